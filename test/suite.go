package test

import (
	"context"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/restdeck/restdeck/core/access"
	"github.com/restdeck/restdeck/core/client"
	"github.com/restdeck/restdeck/core/csql"
	"github.com/restdeck/restdeck/core/logger"
	"github.com/restdeck/restdeck/prep"
)

// IntegrationTestSuite boots a throwaway PostgreSQL container and a full
// prep service on an in-process router. Tests talk to the service through
// the client package, the same way external consumers do.
type IntegrationTestSuite struct {
	suite.Suite

	postgresContainer *postgres.PostgresContainer
	db                *csql.DB
	router            *mux.Router
	service           *prep.Service

	client client.Client
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()
	logger.InitLogger(logrus.WarnLevel)

	pgC, err := postgres.Run(ctx, "postgres:15",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	s.Require().NoError(err)
	s.postgresContainer = pgC

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.db = csql.OpenWithSchema(dsn, "prep")
	s.router = mux.NewRouter()
	logger.AddRequestID(s.router)
	s.router.Use(access.NewTokenMiddleware(&access.TokenMiddlewareBuilder{DB: s.db}))
	s.service = prep.New(&prep.Builder{
		DB:     s.db,
		Router: s.router,
	})
	s.client = client.NewWithRouter(s.router)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.db != nil {
		s.db.Close()
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
}
