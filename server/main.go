package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/coedit/coedit/coedit"
	"github.com/coedit/coedit/persist"
)

const Version = "0.1.0"

func main() {
	usage := `Coedit realtime document sync server.

Usage:
    coedit-server serve [--config=<config>] [--listen=<listen>] [--secret=<secret>]
        [--log_v=<log_v>] [--log_vmodule=<log_vmodule>]
    coedit-server token --user=<user> [--name=<name>] [--doc=<doc>...]
        [--secret=<secret>] [--expire=<expire>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --config=<config>            Config file path.
    --listen=<listen>            Listen address, overrides config.
    --secret=<secret>            Token secret. Prompted when not given.
    --user=<user>                Actor user id (uuid).
    --name=<name>                Actor display name.
    --doc=<doc>                  Document grant. Repeatable. "*" grants all.
    --expire=<expire>            Token lifetime [default: 24h].
    --log_v=<log_v>              Log verbosity level [default: 0].
    --log_vmodule=<log_vmodule>  Per-file log verbosity, e.g. group=2.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	applyLogFlags(opts)

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

// applyLogFlags maps cli options onto glog's flags so verbosity is tunable
// without rebuilding.
func applyLogFlags(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	if logV := optString(opts, "--log_v"); logV != "" {
		flag.Set("v", logV)
	}
	if logVmodule := optString(opts, "--log_vmodule"); logVmodule != "" {
		flag.Set("vmodule", logVmodule)
	}
	flag.CommandLine.Parse([]string{})
}

func optString(opts docopt.Opts, key string) string {
	if valueAny := opts[key]; valueAny != nil {
		return valueAny.(string)
	}
	return ""
}

func readSecret(opts docopt.Opts) []byte {
	if secret := optString(opts, "--secret"); secret != "" {
		return []byte(secret)
	}
	if secret := os.Getenv("COEDIT_SECRET"); secret != "" {
		return []byte(secret)
	}
	fmt.Print("secret: ")
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		panic(err)
	}
	return secret
}

func serve(opts docopt.Opts) {
	config, err := LoadConfig(optString(opts, "--config"))
	if err != nil {
		panic(err)
	}
	if listen := optString(opts, "--listen"); listen != "" {
		config.Listen = listen
	}
	if config.Secret == "" {
		config.Secret = string(readSecret(opts))
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store coedit.SnapshotStore
	switch config.Store.Kind {
	case "", "memory":
		glog.Infof("[main]memory store, snapshots do not survive restart\n")
		store = coedit.NewMemorySnapshotStore()
	case "bolt":
		boltStore, err := persist.NewBoltSnapshotStore(config.Store.Path)
		if err != nil {
			panic(err)
		}
		defer boltStore.Close()
		store = boltStore
	case "postgres":
		pgStore, err := persist.NewPgSnapshotStore(cancelCtx, config.Store.DatabaseUrl)
		if err != nil {
			panic(err)
		}
		defer pgStore.Close()
		store = pgStore
	default:
		panic(fmt.Errorf("unknown store kind: %s", config.Store.Kind))
	}

	var presence coedit.Presence
	if config.RedisAddr != "" {
		redisPresence, err := persist.NewRedisPresenceWithDefaults(cancelCtx, config.RedisAddr)
		if err != nil {
			panic(err)
		}
		defer redisPresence.Close()
		presence = redisPresence
	}

	router := coedit.NewRouter(cancelCtx, store, presence, config.RouterSettings())

	identity := coedit.NewJwtIdentity([]byte(config.Secret))
	var gate coedit.AccessGate
	if config.AllowAll {
		gate = coedit.NewAllowAllAccessGate()
	} else {
		gate = coedit.NewClaimsAccessGate()
	}
	gate = coedit.NewTimeoutAccessGateWithDefaults(gate)

	gateway := coedit.NewGatewayWithDefaults(cancelCtx, router, identity, gate)

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		glog.Infof("[main]shutdown\n")
		gateway.Close()

		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()
		if err := router.Drain(drainCtx); err != nil {
			glog.Errorf("[main]drain error = %s\n", err)
		}
		cancel()
	}()

	if err := gateway.ListenAndServe(config.Listen); err != nil {
		panic(err)
	}

	// wait for the drain to finish
	<-cancelCtx.Done()
}

func token(opts docopt.Opts) {
	userId, err := coedit.ParseId(optString(opts, "--user"))
	if err != nil {
		panic(err)
	}
	actor := &coedit.Actor{
		UserId: userId,
		Name:   optString(opts, "--name"),
	}
	if docsAny := opts["--doc"]; docsAny != nil {
		for _, doc := range docsAny.([]string) {
			actor.Docs = append(actor.Docs, doc)
		}
	}

	expire, err := time.ParseDuration(optString(opts, "--expire"))
	if err != nil {
		panic(err)
	}

	signed, err := coedit.MintToken(readSecret(opts), actor, expire)
	if err != nil {
		panic(err)
	}
	fmt.Println(signed)
}
