package server

import (
	"bytes"
	"context"
	"os"
	"os/signal"

	"github.com/chronotail/chronotail/config"
	"github.com/chronotail/chronotail/handler"
	"github.com/chronotail/chronotail/logger"
	"github.com/chronotail/chronotail/logstream/remote"
	"github.com/chronotail/chronotail/reconciler"
	"github.com/chronotail/chronotail/server"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

type serverCommand struct {
	envfile string
	key     string
}

func (c *serverCommand) run(*kingpin.ParseContext) error {
	if err := godotenv.Load(c.envfile); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Errorln("cannot load env file")
	}
	// load the system configuration from the environment.
	loadedConfig, err := config.Load()
	if err != nil {
		logrus.WithError(err).
			Errorln("cannot load the service configuration")
		return err
	}

	// init the system logging.
	initLogging(&loadedConfig)

	client := remote.NewHTTPClient(
		loadedConfig.Remote.Endpoint,
		loadedConfig.Remote.AccountID,
		loadedConfig.Remote.Token,
		loadedConfig.Remote.SkipVerify,
	)

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

	// create the http serverInstance.
	serverInstance := server.Server{
		Addr:     loadedConfig.Server.Bind,
		Handler:  handler.Handler(rec),
		CAFile:   loadedConfig.Server.CAFile,
		CertFile: loadedConfig.Server.CertFile,
		KeyFile:  loadedConfig.Server.KeyFile,
	}

	// trap the os signal to gracefully shutdown the http server.
	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	s := make(chan os.Signal, 1)
	signal.Notify(s, os.Interrupt)
	defer func() {
		signal.Stop(s)
		cancel()
	}()
	go func() {
		select {
		case val := <-s:
			logrus.Infof("received OS Signal to exit server: %s", val)
			cancel()
		case <-ctx.Done():
			logrus.Infoln("received a done signal to exit server")
		}
	}()

	if err := rec.Start(ctx); err != nil {
		logrus.WithError(err).Errorln("failed to start the log reconciler")
		return err
	}
	defer func() {
		if cerr := rec.Close(); cerr != nil {
			logrus.WithError(cerr).Errorln("failed to tear down the log reconciler")
		}
	}()

	logrus.Infof("server listening at port %s", loadedConfig.Server.Bind)

	// starts the http server.
	err = serverInstance.Start(ctx)
	if err == context.Canceled {
		logrus.Infoln("program gracefully terminated")
		return nil
	}

	if err != nil {
		logrus.Errorf("program terminated with error: %s", err)
	}

	return err
}

// Register the server commands.
func Register(app *kingpin.Application) {
	c := new(serverCommand)

	cmd := app.Command("server", "start the local viewer API").
		Action(c.run)

	cmd.Flag("env-file", "environment file").
		Default(".env").
		StringVar(&c.envfile)

	cmd.Flag("key", "resource key to tail").
		Required().
		StringVar(&c.key)
}

// Get stackdriver to display logs correctly https://github.com/sirupsen/logrus/issues/403
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// helper function configures the global logger from the loaded configuration.
func initLogging(c *config.Config) {
	logrus.SetOutput(&OutputSplitter{})
	l := logrus.StandardLogger()
	logger.L = logrus.NewEntry(l)
	if c.Debug {
		l.SetLevel(logrus.DebugLevel)
	}
	if c.Trace {
		l.SetLevel(logrus.TraceLevel)
	}
}
