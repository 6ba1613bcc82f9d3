package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/trezcool/masomo-realtime/core"
	logsvc "github.com/trezcool/masomo-realtime/services/logger"
	mongostore "github.com/trezcool/masomo-realtime/storage/mongo"
)

func main() {
	code := 0
	defer func() { os.Exit(code) }()

	conf := core.NewConfig()
	validate := validator.New()
	core.InitValidators(validate, core.NewTranslator())

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(false)

	if err := conf.Validate(validate); err != nil {
		logger.Fatal(err.Error(), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// connect only for the commands that need the database
	var client *mongo.Client
	defer func() {
		if client != nil {
			_ = client.Disconnect(context.Background())
		}
	}()

	cli := commandLine{
		ctx:    ctx,
		conf:   conf,
		logger: logger,
		out:    os.Stdout,
		database: func() (*mongo.Database, error) {
			if client == nil {
				c, err := mongostore.Open(ctx, conf.Mongo)
				if err != nil {
					return nil, err
				}
				client = c
			}
			return client.Database(conf.Mongo.Database), nil
		},
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			log.Printf("\nerror: %s\n", err)
		}
		code = 1
	}
}
