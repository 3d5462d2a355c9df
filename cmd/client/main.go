// Command client is a terminal front end for the marketplace session
// layer: sign in and out, inspect the persisted session, check route
// access and complete the email verification challenge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/qcom/marketclient/internal/access"
	"github.com/qcom/marketclient/internal/config"
	"github.com/qcom/marketclient/internal/models"
	"github.com/qcom/marketclient/internal/repository"
	"github.com/qcom/marketclient/internal/sanitize"
	"github.com/qcom/marketclient/internal/session"
	"github.com/qcom/marketclient/internal/transport"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

const usage = `usage: client [-v] <command> [args]

commands:
  login [-redirect PATH] EMAIL [PASSWORD]
  register EMAIL [PASSWORD]
  logout
  refresh
  whoami
  check PATH [ROLE]
  sanitize            read HTML from stdin, write the sanitized form
`

type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	client  *transport.Client
	manager *session.Manager
	stdin   io.Reader
	stdout  io.Writer
}

func main() {
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	// sanitize needs no session.
	if flag.Arg(0) == "sanitize" {
		if err := runSanitize(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := initStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize session storage")
	}

	client := transport.NewClient(cfg.API.BaseURL, cfg.API.Timeout, logger)
	store := session.NewStore(kv, cfg.Session.Scope, logger)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		manager: session.NewManager(store, client, logger),
		stdin:   os.Stdin,
		stdout:  os.Stdout,
	}
	a.manager.Restore(ctx)

	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "login":
		return a.login(ctx, args)
	case "register":
		return a.register(ctx, args)
	case "logout":
		if err := a.manager.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, "Signed out.")
		return nil
	case "refresh":
		id, err := a.manager.Refresh(ctx)
		if err != nil {
			return errors.New(session.Reason(err))
		}
		a.printIdentity(id)
		return nil
	case "whoami":
		st := a.manager.State()
		if st.Status != models.StatusAuthenticated {
			fmt.Fprintln(a.stdout, st.Status)
			return nil
		}
		a.printIdentity(st.Identity)
		return nil
	case "check":
		return a.check(args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	redirect := fs.String("redirect", "", "path the user was trying to open")
	if err := fs.Parse(args); err != nil {
		return err
	}
	password, err := passwordArg(fs.Args())
	if err != nil {
		return err
	}

	id, err := a.manager.Login(ctx, fs.Arg(0), password)
	if err != nil {
		return errors.New(session.Reason(err))
	}
	a.printIdentity(id)
	fmt.Fprintln(a.stdout, "next:", access.Destination(id, *redirect))
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	password, err := passwordArg(args)
	if err != nil {
		return err
	}
	email := strings.TrimSpace(args[0])

	if err := a.client.Register(ctx, email, password); err != nil {
		return errors.New(session.Reason(err))
	}
	fmt.Fprintf(a.stdout, "A code was sent to %s.\n", email)

	pair, err := runChallenge(ctx, email, a.client, a.cfg.OTP.Countdown, a.stdin, a.stdout, a.logger)
	if err != nil {
		return err
	}
	if pair == nil {
		fmt.Fprintln(a.stdout, "Email verified. Sign in to continue.")
		return nil
	}

	id, err := a.manager.Adopt(ctx, pair)
	if err != nil {
		return errors.New(session.Reason(err))
	}
	a.printIdentity(id)
	fmt.Fprintln(a.stdout, "next:", access.Destination(id, ""))
	return nil
}

func (a *app) check(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("check needs PATH and an optional ROLE")
	}
	var role models.Role
	if len(args) == 2 {
		r, ok := models.ParseRole(args[1])
		if !ok {
			return fmt.Errorf("unknown role %q", args[1])
		}
		role = r
	}

	d := access.Check(a.manager, role, args[0])
	switch d.Kind {
	case access.Redirect:
		fmt.Fprintf(a.stdout, "%s %s\n", d.Kind, d.Destination)
	default:
		fmt.Fprintln(a.stdout, d.Kind)
	}
	return nil
}

// passwordArg returns the password from args (EMAIL [PASSWORD]) or prompts
// for it without echo when stdin is a terminal.
func passwordArg(args []string) (string, error) {
	switch len(args) {
	case 2:
		return args[1], nil
	case 1:
	default:
		return "", errors.New("expected EMAIL and an optional PASSWORD")
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password required when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

func (a *app) printIdentity(id *models.Identity) {
	if id == nil {
		fmt.Fprintln(a.stdout, "anonymous")
		return
	}
	fmt.Fprintf(a.stdout, "%s (%s) expires %s\n", id.Email, id.Role, id.ExpiresAt.Format("2006-01-02 15:04:05"))
}

func runSanitize(in io.Reader, out io.Writer) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	_, err = fmt.Fprintln(out, sanitize.Sanitize(string(data)))
	return err
}

func initStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (repository.KV, error) {
	switch cfg.Session.Backend {
	case config.BackendMemory:
		return repository.NewMemoryKV(), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return repository.NewRedisKV(client, "marketclient", cfg.Session.TTL, logger), nil
	case config.BackendDynamoDB:
		dynamoClient, err := initDynamoDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return repository.NewDynamoKV(dynamoClient, cfg.DynamoDB.TableName, cfg.Session.TTL, logger), nil
	default:
		return repository.NewFileKV(cfg.Session.File, logger)
	}
}

func initDynamoDB(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDB.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Debug("DynamoDB client initialized")
	return dynamodb.NewFromConfig(awsCfg), nil
}
