package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/josiasmc/facturador-electronico-cr/internal/keystore"
	"github.com/josiasmc/facturador-electronico-cr/internal/migrate"
	"github.com/josiasmc/facturador-electronico-cr/internal/sender"
	"github.com/josiasmc/facturador-electronico-cr/internal/server"
	"github.com/josiasmc/facturador-electronico-cr/pkg/message"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
)

// withEngine builds the full application, runs fn and releases everything.
func withEngine(ctx context.Context, configPath string, fn func(*app) error) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			a.logger.Warn("releasing resources", zap.Error(cerr))
		}
	}()
	if err := a.build(ctx); err != nil {
		return err
	}
	return fn(a)
}

func runServe(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	noSender := fs.Bool("no-sender", false, "only listen for callbacks, do not drain the queue")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withEngine(ctx, configPath, func(a *app) error {
		a.logger.Info("starting facturador",
			zap.String("version", version),
			zap.String("buildDate", buildDate))

		var snd *sender.Sender
		if !*noSender {
			snd = sender.New(a.engine, &sender.Config{
				Interval: a.cfg.Sender.Interval,
				Budget:   a.cfg.Sender.Budget,
			}, a.logger.Named("sender"))
			snd.Start(ctx)
		}

		srv := server.New(a.cfg, a.engine, a.store, a.registry, a.logger.Named("http"))
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		var err error
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
		case err = <-errCh:
			a.logger.Error("server stopped", zap.Error(err))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn("server shutdown", zap.Error(serr))
		}
		if snd != nil {
			snd.Stop()
		}
		return err
	})
}

func runDrain(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("drain", pflag.ContinueOnError)
	budget := fs.Duration("budget", 0, "time budget of the run (default: sender.budget)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withEngine(ctx, configPath, func(a *app) error {
		b := *budget
		if b <= 0 {
			b = a.cfg.Sender.Budget
		}
		outcomes, err := a.engine.DrainQueue(ctx, b)
		for _, o := range outcomes {
			fmt.Printf("%s %s %s\n", o.Direction, o.Key, o.State.StatusName())
		}
		return err
	})
}

func runMigrate(ctx context.Context, configPath string, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck
	if a.cfg.Storage.Driver != "postgres" {
		return fmt.Errorf("migrations apply to the postgres driver, not %q", a.cfg.Storage.Driver)
	}

	action := "up"
	if len(args) > 0 {
		action = args[0]
	}
	switch action {
	case "up":
		if err := migrate.Up(ctx, a.cfg.Storage.DSN); err != nil {
			return err
		}
		a.logger.Info("migrations applied")
		return nil
	case "status":
		return migrate.Status(ctx, a.cfg.Storage.DSN)
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}
}

func runRegister(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("register", pflag.ContinueOnError)
	clientID := fs.String("client", "", "client the taxpayer belongs to")
	taxID := fs.String("tax-id", "", "taxpayer identification number")
	envID := fs.Int("environment", 1, "API environment id (1 staging, 2 production)")
	username := fs.String("username", "", "identity provider username")
	keystorePath := fs.String("keystore", "", "PKCS#12 keystore issued by the authority")
	update := fs.Int64("update", 0, "update the taxpayer with this id instead of registering")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Secrets come from the environment so they stay out of shell history.
	reg := keystore.Registration{
		ClientID:      *clientID,
		TaxID:         *taxID,
		EnvironmentID: *envID,
		Username:      *username,
		Password:      os.Getenv("FACTURADOR_API_PASSWORD"),
		PIN:           os.Getenv("FACTURADOR_KEYSTORE_PIN"),
	}
	if *keystorePath != "" {
		data, err := os.ReadFile(*keystorePath)
		if err != nil {
			return fmt.Errorf("reading keystore: %w", err)
		}
		reg.Keystore = data
	}

	return withEngine(ctx, configPath, func(a *app) error {
		if *update != 0 {
			if err := a.provider.Update(ctx, *update, reg); err != nil {
				return err
			}
			fmt.Println(*update)
			return nil
		}
		if reg.Keystore == nil {
			return errors.New("--keystore is required")
		}
		t, err := a.provider.Register(ctx, reg)
		if err != nil {
			return err
		}
		fmt.Println(t.ID)
		return nil
	})
}

func runSubmit(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("submit", pflag.ContinueOnError)
	taxpayerID := fs.Int64P("taxpayer", "t", 0, "registered taxpayer id")
	file := fs.StringP("file", "f", "", "YAML description of the document")
	offline := fs.Bool("offline", false, "issued without connectivity (contingency)")
	now := fs.Bool("now", false, "send immediately instead of leaving it to the sender")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taxpayerID == 0 || *file == "" {
		return errors.New("--taxpayer and --file are required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	doc, err := message.FromYAML(data)
	if err != nil {
		return err
	}

	return withEngine(ctx, configPath, func(a *app) error {
		key, err := a.engine.Submit(ctx, *taxpayerID, doc, *offline)
		if err != nil {
			return err
		}
		fmt.Println(key)
		if !*now {
			return nil
		}
		d, err := a.engine.Load(ctx, *taxpayerID, key, reliability.Outbound)
		if err != nil {
			return err
		}
		if _, err := d.Send(ctx); err != nil {
			// Still queued; the sender retries.
			a.logger.Warn("send failed", zap.String("clave", key), zap.Error(err))
		}
		return nil
	})
}

func runReceive(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("receive", pflag.ContinueOnError)
	taxpayerID := fs.Int64P("taxpayer", "t", 0, "registered taxpayer id")
	file := fs.StringP("file", "f", "", "YAML description of the confirmation message")
	supplierPath := fs.String("supplier-xml", "", "signed document received from the supplier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taxpayerID == 0 || *file == "" {
		return errors.New("--taxpayer and --file are required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	doc, err := message.FromYAML(data)
	if err != nil {
		return err
	}
	var supplierXML []byte
	if *supplierPath != "" {
		if supplierXML, err = os.ReadFile(*supplierPath); err != nil {
			return err
		}
	}

	return withEngine(ctx, configPath, func(a *app) error {
		d, err := a.engine.Receive(ctx, *taxpayerID, supplierXML, doc)
		if err != nil {
			return err
		}
		fmt.Println(d.Key)
		return nil
	})
}

type statusOutput struct {
	Key      string `json:"clave"`
	Status   string `json:"estado"`
	Message  string `json:"mensaje,omitempty"`
	Response string `json:"respuesta-xml,omitempty"`
}

func runStatus(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	taxpayerID := fs.Int64P("taxpayer", "t", 0, "registered taxpayer id")
	direction := fs.StringP("direction", "d", "E", "E for issued documents, R for confirmations")
	withXML := fs.Bool("xml", false, "include the response message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taxpayerID == 0 || fs.NArg() != 1 {
		return errors.New("usage: status -t ID [-d E|R] <clave>")
	}
	dir, err := reliability.ParseDirection(*direction)
	if err != nil {
		return err
	}

	return withEngine(ctx, configPath, func(a *app) error {
		report, err := a.engine.QueryStatus(ctx, *taxpayerID, fs.Arg(0), dir)
		if err != nil {
			return err
		}
		out := statusOutput{Key: report.Key, Status: report.Status, Message: report.Message}
		if *withXML {
			out.Response = string(report.ResponseXML)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	})
}
