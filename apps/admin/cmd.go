package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
	"go.mongodb.org/mongo-driver/mongo"

	echoapi "github.com/trezcool/masomo-realtime/apps/api/echo"
	"github.com/trezcool/masomo-realtime/core"
	"github.com/trezcool/masomo-realtime/core/realtime"
	"github.com/trezcool/masomo-realtime/services/broadcast"
	mongostore "github.com/trezcool/masomo-realtime/storage/mongo"
)

var (
	touchFunc      = mongostore.Touch // mockable
	isTerminalFunc = term.IsTerminal  // mockable
	newSourceFunc  = func(db *mongo.Database, logger core.Logger) realtime.Source { // mockable
		return mongostore.NewChangeStreamSource(db, logger)
	}

	errHelp = errors.New("help provided")
)

type commandLine struct {
	ctx      context.Context
	conf     *core.Config
	logger   core.Logger
	out      io.Writer
	database func() (*mongo.Database, error)
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, core.SplitList(v)...)
	return nil
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  token -subject ID [-username NAME] [-email EMAIL] [-role ROLE ...] [-ttl DURATION] - issue a subscriber token")
	fmt.Fprintln(cli.out, "  touch -collection NAME - insert a heartbeat document so the feed emits a change")
	fmt.Fprintln(cli.out, "  tail [-collection NAME] [-raw] - print broadcasts as subscribers would receive them")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	tokenCmd := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenSubject := tokenCmd.String("subject", "", "The subscriber's user ID.")
	tokenUsername := tokenCmd.String("username", "", "The subscriber's username.")
	tokenEmail := tokenCmd.String("email", "", "The subscriber's email.")
	tokenTTL := tokenCmd.Duration("ttl", cli.conf.Server.JWTExpirationDelta, "How long the token stays valid.")
	var tokenRoles stringList
	tokenCmd.Var(&tokenRoles, "role", "A role granted to the subscriber (e.g. teacher:all). Repeatable.")

	touchCmd := flag.NewFlagSet("touch", flag.ContinueOnError)
	touchCollection := touchCmd.String("collection", "", "The collection to touch.")

	tailCmd := flag.NewFlagSet("tail", flag.ContinueOnError)
	tailCollection := tailCmd.String("collection", "", "Only print broadcasts on this channel.")
	tailRaw := tailCmd.Bool("raw", false, "Print every change, without throttling.")

	for _, fs := range []*flag.FlagSet{tokenCmd, touchCmd, tailCmd} {
		fs.SetOutput(cli.out)
	}

	switch args[1] {
	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		subject := core.CleanString(*tokenSubject)
		if subject == "" || *tokenTTL <= 0 {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(subject, core.CleanString(*tokenUsername, true), core.CleanString(*tokenEmail, true), tokenRoles, *tokenTTL)
	case "touch":
		if err := touchCmd.Parse(args[2:]); err != nil {
			return err
		}
		collection := core.CleanString(*touchCollection)
		if collection == "" {
			touchCmd.Usage()
			return errHelp
		}
		return cli.touch(collection)
	case "tail":
		if err := tailCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.tail(core.CleanString(*tailCollection), *tailRaw)
	default:
		cli.printUsage()
		return errHelp
	}
}

// outFd is the file descriptor behind out, or -1 when it is not a file.
func (cli *commandLine) outFd() int {
	if f, ok := cli.out.(*os.File); ok {
		return int(f.Fd())
	}
	return -1
}

func (cli *commandLine) token(subject, username, email string, roles []string, ttl time.Duration) error {
	claims := echoapi.NewClaims(cli.conf.AppName, subject, username, email, roles, ttl)
	token, err := echoapi.GenerateToken(claims, cli.conf.SecretKey)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, token)
	return nil
}

func (cli *commandLine) touch(collection string) error {
	db, err := cli.database()
	if err != nil {
		return err
	}
	id, err := touchFunc(cli.ctx, db, collection)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "touched %s: %v\n", collection, id)
	return nil
}

// tail runs its own pipeline and prints what it broadcasts until interrupted.
func (cli *commandLine) tail(channel string, raw bool) error {
	db, err := cli.database()
	if err != nil {
		return err
	}

	window := cli.conf.Realtime.ThrottleWindow
	if raw {
		window = -1
	}
	pretty := isTerminalFunc(cli.outFd())

	var mu sync.Mutex
	enc := json.NewEncoder(cli.out)
	if pretty {
		enc.SetIndent("", "  ")
	}
	sink := &broadcast.Recorder{
		Limit: 100,
		OnBroadcast: func(msg broadcast.Message) {
			if channel != "" && msg.Channel != channel {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if pretty {
				fmt.Fprintf(cli.out, "[%s] %s\n", time.Now().Format("15:04:05"), msg.Channel)
			}
			if err := enc.Encode(msg); err != nil {
				cli.logger.Error(fmt.Sprintf("printing %q broadcast: %v", msg.Channel, err), err)
			}
		},
	}

	pipeline, err := realtime.NewPipeline(realtime.PipelineConfig{
		Source:          newSourceFunc(db, cli.logger),
		Sink:            sink,
		Logger:          cli.logger,
		ThrottleWindow:  window,
		ReconnectDelay:  cli.conf.Realtime.ReconnectDelay,
		FallbackChannel: cli.conf.Realtime.FallbackChannel,
	})
	if err != nil {
		return err
	}
	if err = pipeline.Run(cli.ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
