// potoken is an operator tool for the token pipeline pieces that need no
// hosted interpreter: cold-start tokens, challenge fetches and integrity
// exchanges.
//
// Configuration comes from POTOKEN_* environment variables, optionally
// loaded from a .env file with --env-file. Flags override the
// environment.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"po-token/challenge"
	"po-token/coldstart"
	"po-token/integrity"
	"po-token/potoken"
	"po-token/shared"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}

	switch args[0] {
	case "coldstart":
		if len(args) < 2 {
			return fmt.Errorf("coldstart requires a subcommand: encode or decode")
		}
		switch args[1] {
		case "encode":
			return runColdStartEncode(args[2:], stdout)
		case "decode":
			return runColdStartDecode(args[2:], stdout)
		default:
			return fmt.Errorf("unknown coldstart subcommand: %s", args[1])
		}
	case "challenge":
		return runChallenge(ctx, args[1:], stdout)
	case "integrity":
		return runIntegrity(ctx, args[1:], stdout)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `potoken - proof-of-origin token tooling

Usage:
  potoken coldstart encode --identifier ID [--client-state N]
  potoken coldstart decode TOKEN
  potoken challenge [--env-file FILE] [--request-key KEY] [--interpreter-hash HASH] [--youtube]
  potoken integrity --response RESPONSE [--env-file FILE] [--request-key KEY] [--youtube]

Environment:
  POTOKEN_REQUEST_KEY, POTOKEN_INTERPRETER_HASH, POTOKEN_BASE_URL,
  POTOKEN_YOUTUBE_BASE_URL, POTOKEN_USE_YOUTUBE_API, POTOKEN_API_KEY,
  POTOKEN_USER_AGENT, POTOKEN_HTTP_TIMEOUT_MS, POTOKEN_QUIET, DEVELOPMENT
`)
}

func runColdStartEncode(args []string, stdout io.Writer) error {
	var identifier string
	var clientState uint8

	flagSet := pflag.NewFlagSet("coldstart encode", pflag.ContinueOnError)
	flagSet.StringVar(&identifier, "identifier", "", "visitor data or content identifier to embed")
	flagSet.Uint8Var(&clientState, "client-state", coldstart.DefaultClientState, "client state byte")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if identifier == "" {
		return shared.NewConfigurationError("identifier", "--identifier is required")
	}

	token, err := potoken.GenerateColdStartToken(identifier, clientState)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

// decodedPacket is the JSON view of a cold-start packet
type decodedPacket struct {
	Keys        string    `json:"keys"`
	Reserved    byte      `json:"reserved"`
	ClientState byte      `json:"client_state"`
	Timestamp   time.Time `json:"timestamp"`
	Identifier  string    `json:"identifier"`
}

func runColdStartDecode(args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("coldstart decode", pflag.ContinueOnError)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("coldstart decode takes exactly one token")
	}

	packet, err := coldstart.Decode(strings.TrimSpace(flagSet.Arg(0)))
	if err != nil {
		return err
	}
	return writeJSON(stdout, decodedPacket{
		Keys:        hex.EncodeToString(packet.Keys[:]),
		Reserved:    packet.Reserved,
		ClientState: packet.ClientState,
		Timestamp:   packet.Time().UTC(),
		Identifier:  packet.Identifier,
	})
}

// remoteFlags are shared by the commands that talk to the attestation
// service
type remoteFlags struct {
	envFile    string
	requestKey string
	youtube    bool
}

func (f *remoteFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.envFile, "env-file", "", "load environment from this .env file")
	flagSet.StringVar(&f.requestKey, "request-key", "", "request key (default: $POTOKEN_REQUEST_KEY)")
	flagSet.BoolVar(&f.youtube, "youtube", false, "use the YouTube-hosted endpoints")
}

// load resolves the generator configuration from the environment and the
// flags
func (f *remoteFlags) load() (*shared.Config, potoken.Config, *shared.Logger, error) {
	var envFiles []string
	if f.envFile != "" {
		envFiles = append(envFiles, f.envFile)
	}
	env, err := shared.LoadConfig(envFiles...)
	if err != nil {
		return nil, potoken.Config{}, nil, err
	}
	if f.requestKey != "" {
		env.RequestKey = f.requestKey
	}
	if f.youtube {
		env.UseYouTubeAPI = true
	}

	logger, err := shared.NewLoggerFromEnv("potoken-cli")
	if err != nil {
		return nil, potoken.Config{}, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	config := potoken.ConfigFromEnv(env, nil)
	config.Logger = logger
	return env, config, logger, nil
}

func runChallenge(ctx context.Context, args []string, stdout io.Writer) error {
	var remote remoteFlags
	var interpreterHash string

	flagSet := pflag.NewFlagSet("challenge", pflag.ContinueOnError)
	remote.add(flagSet)
	flagSet.StringVar(&interpreterHash, "interpreter-hash", "", "hash of a cached interpreter (default: $POTOKEN_INTERPRETER_HASH)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	env, config, logger, err := remote.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if interpreterHash == "" {
		interpreterHash = env.InterpreterHash
	}

	client := challenge.NewClient(challenge.Config{
		HTTPClient: config.HTTPClient,
		Endpoints:  config.Endpoints,
		Headers:    config.Headers,
		Logger:     logger,
	})
	envelope, err := client.Fetch(ctx, config.RequestKey, interpreterHash)
	if err != nil {
		logger.Error("Challenge fetch failed", zap.String("error_kind", string(shared.KindOf(err))), zap.Error(err))
		return err
	}
	return writeJSON(stdout, envelope)
}

// exchangeOutput adds the derived refresh deadline to a credential
type exchangeOutput struct {
	*integrity.Credential
	RefreshDue *time.Time `json:"refresh_due,omitempty"`
}

func runIntegrity(ctx context.Context, args []string, stdout io.Writer) error {
	var remote remoteFlags
	var response string

	flagSet := pflag.NewFlagSet("integrity", pflag.ContinueOnError)
	remote.add(flagSet)
	flagSet.StringVar(&response, "response", "", "attestation response produced by the program")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	_, config, logger, err := remote.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	client := integrity.NewClient(integrity.Config{
		HTTPClient: config.HTTPClient,
		Endpoints:  config.Endpoints,
		Headers:    config.Headers,
		Logger:     logger,
	})
	credential, err := client.Exchange(ctx, config.RequestKey, response)
	if err != nil {
		logger.Error("Integrity exchange failed", zap.String("error_kind", string(shared.KindOf(err))), zap.Error(err))
		return err
	}

	output := exchangeOutput{Credential: credential}
	if due, ok := credential.RefreshDue(); ok {
		output.RefreshDue = &due
	}
	return writeJSON(stdout, output)
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
