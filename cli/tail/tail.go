package tail

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/chronotail/chronotail/config"
	"github.com/chronotail/chronotail/logger"
	"github.com/chronotail/chronotail/logstream"
	"github.com/chronotail/chronotail/logstream/memory"
	"github.com/chronotail/chronotail/logstream/remote"
	"github.com/chronotail/chronotail/reconciler"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

type tailCommand struct {
	envfile string
	key     string
	filter  string
	demo    bool
}

func (c *tailCommand) run(*kingpin.ParseContext) error {
	if err := godotenv.Load(c.envfile); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Errorln("cannot load env file")
	}
	loadedConfig, err := config.Load()
	if err != nil {
		logrus.WithError(err).Errorln("cannot load the service configuration")
		return err
	}
	if loadedConfig.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := make(chan os.Signal, 1)
	signal.Notify(s, os.Interrupt)
	go func() {
		<-s
		logrus.Infoln("interrupted, shutting down")
		cancel()
	}()

	client := c.client(ctx, &loadedConfig)

	rec := reconciler.New(reconciler.Config{
		Key:         c.key,
		Client:      client,
		Capacity:    loadedConfig.Buffer.Capacity,
		PageSize:    loadedConfig.Buffer.PageSize,
		Tail:        loadedConfig.Buffer.Tail,
		BaseDelay:   loadedConfig.Reconnect.BaseDelay,
		MaxDelay:    loadedConfig.Reconnect.MaxDelay,
		MaxAttempts: loadedConfig.Reconnect.MaxAttempts,
		Log:         logger.ForKey(c.key),
	})
	if c.filter != "" {
		if err := rec.Search(ctx, c.filter); err != nil {
			logrus.WithError(err).Warnln("filtered fetch failed")
		}
	}
	if err := rec.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := rec.Close(); cerr != nil {
			logrus.WithError(cerr).Errorln("failed to tear down the log reconciler")
		}
	}()

	c.follow(ctx, rec)
	return nil
}

// follow prints buffer changes until the context is cancelled or
// the stream reaches a terminal state.
func (c *tailCommand) follow(ctx context.Context, rec *reconciler.Reconciler) {
	printed := make(map[logstream.Key]struct{})
	lastMsg := ""

	print := func() {
		lines, _ := rec.Snapshot()
		for _, line := range lines {
			if _, ok := printed[line.Key()]; ok {
				continue
			}
			printed[line.Key()] = struct{}{}
			fmt.Printf("%s [%s] %s\n",
				line.Timestamp.Format(time.RFC3339), line.Level, line.Text)
		}
	}
	print()

	status := time.NewTicker(time.Second)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rec.Changes():
			print()
		case <-status.C:
			st := rec.Status()
			if st.Message != "" && st.Message != lastMsg {
				logrus.Warnln(st.Message)
			}
			lastMsg = st.Message
			if st.State == reconciler.StateGivenUp || st.State == reconciler.StateStopped {
				return
			}
		}
	}
}

func (c *tailCommand) client(ctx context.Context, cfg *config.Config) logstream.Client {
	if !c.demo {
		return remote.NewHTTPClient(
			cfg.Remote.Endpoint,
			cfg.Remote.AccountID,
			cfg.Remote.Token,
			cfg.Remote.SkipVerify,
		)
	}

	// demo mode publishes synthetic lines into an in-memory store.
	store := memory.New()
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond) //nolint:gomnd
		defer ticker.Stop()
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case ts := <-ticker.C:
				n++
				store.Publish(c.key, logstream.Line{
					Text:      fmt.Sprintf("demo line %d", n),
					Timestamp: ts,
					Level:     logstream.LevelInfo,
				})
			}
		}
	}()
	return store
}

// Register the tail command.
func Register(app *kingpin.Application) {
	c := new(tailCommand)

	cmd := app.Command("tail", "follow a resource's logs on stdout").
		Action(c.run)

	cmd.Flag("env-file", "environment file").
		Default(".env").
		StringVar(&c.envfile)

	cmd.Flag("key", "resource key to tail").
		Required().
		StringVar(&c.key)

	cmd.Flag("filter", "historical search filter").
		StringVar(&c.filter)

	cmd.Flag("demo", "tail a synthetic in-memory stream").
		BoolVar(&c.demo)
}
