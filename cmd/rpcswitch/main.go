package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	log "github.com/rs/zerolog"

	"github.com/korbank/rpcswitch"
	"github.com/korbank/rpcswitch/auth"
	"github.com/korbank/rpcswitch/config"
)

var logger = log.New(os.Stderr).Level(log.TraceLevel).With().Timestamp().Logger()

// registerSignals wires SIGHUP to a policy reload and SIGINT/SIGTERM to
// an orderly shutdown: stop accepting, unlink any unix sockets, then
// let main return.
func registerSignals(ctx context.Context, cancel context.CancelFunc, b *rpcswitch.Broker, configPath string, verifier auth.Verifier, passwordFile string) {
	const signalQueueSize = 10
	sigc := make(chan os.Signal, signalQueueSize)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigc:
				logger.Info().Str("signal", sig.String()).Msg("caught signal")
				switch sig {
				case syscall.SIGHUP:
					policy, err := config.Load(configPath)
					if err != nil {
						logger.Error().Err(err).Msg("reload failed, keeping current policy")
						continue
					}
					b.ReloadPolicy(policy)
					logger.Info().Msg("policy reloaded")
					if pf, ok := verifier.(*auth.PasswordFile); ok && passwordFile != "" {
						if err := pf.Reload(passwordFile); err != nil {
							logger.Error().Err(err).Msg("password file reload failed, keeping current entries")
						} else {
							logger.Info().Msg("password file reloaded")
						}
					}
				default:
					b.Shutdown()
					cancel()
					return
				}
			}
		}
	}()
}

func main() {
	configPath := pflag.String("config", "", "specify directory or config file")
	pretty := pflag.Bool("pretty", false, "pretty console print (this forces console output)")
	passwordFile := pflag.String("password-file", "", "who:hash password file used to authenticate rpcswitch.hello")
	pflag.Parse()

	if *configPath == "" {
		pflag.Usage()
		os.Exit(1)
	}

	log.TimeFieldFormat = log.TimeFormatUnix
	if *pretty {
		logger = logger.Output(log.NewConsoleWriter(func(w *log.ConsoleWriter) {
			w.Out = os.Stdout
		}))
	}
	config.SetTemporaryLog(logger)
	rpcswitch.Logger = logger

	policy, err := config.Load(*configPath)
	if err != nil {
		logger.Error().Err(err).Msg("unable to load policy")
		os.Exit(1)
	}

	if len(policy.Binds) == 0 {
		logger.Error().Msg("no valid bind points")
		os.Exit(1)
	}

	verifier, err := buildVerifier(*passwordFile)
	if err != nil {
		logger.Error().Err(err).Msg("unable to build auth verifier")
		os.Exit(1)
	}

	broker := rpcswitch.NewBroker(policy, verifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go broker.Run(ctx)
	registerSignals(ctx, cancel, broker, *configPath, verifier, *passwordFile)

	if err := rpcswitch.ListenAndServe(ctx, broker, policy.Binds); err != nil {
		logger.Error().Err(err).Msg("switch will shut down now due to encountered error")
		unlinkUnixBinds(policy.Binds)
		os.Exit(1)
	}
	unlinkUnixBinds(policy.Binds)
}

// buildVerifier constructs the rpcswitch.hello Verifier from the
// command line: a password file when one is given, or a verifier that
// rejects every caller when the operator hasn't configured one, rather
// than silently authenticating everyone.
func buildVerifier(passwordFile string) (auth.Verifier, error) {
	if passwordFile == "" {
		logger.Warn().Msg("no password file configured, every hello will be rejected")
		return auth.VerifierFunc(func(context.Context, string, string, string) (auth.Result, error) {
			return auth.Result{OK: false}, nil
		}), nil
	}
	return auth.LoadPasswordFile("password", passwordFile)
}

func unlinkUnixBinds(binds []config.Bind) {
	for _, bind := range binds {
		if bind.Type != config.Unix {
			continue
		}
		if err := os.Remove(bind.Address); err != nil {
			logger.Error().Str("address", bind.Address).Err(err).Msg("unable to unlink")
		} else {
			logger.Debug().Str("address", bind.Address).Msg("unlinked unix socket")
		}
	}
}
