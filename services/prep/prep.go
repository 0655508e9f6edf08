package main

import (
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/restdeck/restdeck/core"
	"github.com/restdeck/restdeck/core/access"
	"github.com/restdeck/restdeck/core/csql"
	"github.com/restdeck/restdeck/core/events"
	"github.com/restdeck/restdeck/core/logger"
	"github.com/restdeck/restdeck/core/registry"
	"github.com/restdeck/restdeck/prep"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres     string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	Port         string `env:"PORT,default=3000" description:"the port the service listens on"`
	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma-separated Kafka brokers for event publishing, optional"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=prep-events" description:"the Kafka topic for event publishing"`
	JwtSecret    string `env:"JWT_SECRET" description:"HMAC secret for operator tokens, optional"`
	JwtIssuer    string `env:"JWT_ISSUER,default=restdeck" description:"accepted issuer for operator tokens"`
	LogLevel     string `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.InitLogger(logLevel)
	rlog := logger.Default()

	db := csql.OpenWithSchema(service.Postgres, "prep")
	defer db.Close()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(access.NewTokenMiddleware(&access.TokenMiddlewareBuilder{DB: db}))
	if service.JwtSecret != "" {
		router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
			Secret: []byte(service.JwtSecret),
			Issuer: service.JwtIssuer,
		}))
	}

	var notifier core.Notifier
	if service.KafkaBrokers != "" {
		kafkaNotifier := events.NewKafkaNotifier(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	prep.New(&prep.Builder{
		DB:       db,
		Router:   router,
		Notifier: notifier,
	})

	instance := registry.New(db).Accessor("service")
	var instanceID string
	if _, err := instance.Read("instance_id", &instanceID); err == nil && instanceID == "" {
		instanceID = core.UniqueID()
		if err := instance.Write("instance_id", instanceID); err != nil {
			rlog.WithError(err).Warningln("cannot persist instance id")
		}
	}
	rlog.Infoln("instance id:", instanceID)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)

	rlog.Infoln("listen on port :" + service.Port)
	if err := http.ListenAndServe(":"+service.Port, cors(router)); err != nil {
		rlog.WithError(err).Fatalln("server stopped")
	}
}
