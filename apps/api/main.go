package main

import (
	"log"
	"os"

	echoapi "github.com/tabaruka/mahudhurio/apps/api/echo"
	"github.com/tabaruka/mahudhurio/core"
	"github.com/tabaruka/mahudhurio/core/attendance"
	logsvc "github.com/tabaruka/mahudhurio/services/logger"
	"github.com/tabaruka/mahudhurio/storage/database"
	dummydb "github.com/tabaruka/mahudhurio/storage/database/dummy"
	sqlxrepos "github.com/tabaruka/mahudhurio/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()
	std := log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	// set up services
	var logger core.Logger
	if conf.Debug {
		logger = logsvc.NewStdLogger(std)
	} else {
		logger = logsvc.NewRollbarLogger(std, conf)
	}

	// set up the scan ledger
	var ledger attendance.Ledger
	if conf.Debug {
		db, err := dummydb.Open()
		errAndDie(std, err)
		ledger = dummydb.NewScanLedger(db)
	} else {
		db, err := database.Open(conf)
		errAndDie(std, err)
		defer db.Close()
		errAndDie(std, database.Ping(db))
		ledger = sqlxrepos.NewScanLedger(db)
	}

	codec := attendance.NewCodec(conf)
	registry := attendance.NewRegistry(codec, ledger, logger)
	defer registry.Close()
	validator := attendance.NewValidator(conf, codec, registry, ledger)

	// start API server
	app := echoapi.NewServer(
		&echoapi.Options{
			Address:   conf.Server.Address(),
			Conf:      conf,
			Logger:    logger,
			Registry:  registry,
			Validator: validator,
			Ledger:    ledger,
			Codec:     codec,
		},
	)
	app.Start()
}

func errAndDie(std *log.Logger, err error) {
	if err != nil {
		std.Fatal(err)
	}
}
