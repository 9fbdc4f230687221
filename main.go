package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mallhar/neomind-apex-ingestion/internal/auth"
	"github.com/mallhar/neomind-apex-ingestion/internal/config"
	"github.com/mallhar/neomind-apex-ingestion/internal/ingest"
	natsjs "github.com/mallhar/neomind-apex-ingestion/internal/nats"
	googleprov "github.com/mallhar/neomind-apex-ingestion/internal/providers/google"
	"github.com/mallhar/neomind-apex-ingestion/internal/providers/msgraph"
	"github.com/mallhar/neomind-apex-ingestion/internal/store"
	"github.com/mallhar/neomind-apex-ingestion/internal/subscription"
	"github.com/mallhar/neomind-apex-ingestion/internal/sync"
)

func main() {
	cfg := config.Load()

	services, err := store.Open(cfg.DataRoot)
	if err != nil {
		log.Fatal(err)
	}
	defer services.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		log.Fatal(err)
	}
	defer publisher.Close()

	verifier, err := auth.NewJWTVerifier(cfg.JWKSURL)
	if err != nil {
		log.Fatal(err)
	}

	lifecycle := subscription.NewManager(cfg.RenewalLead)
	tokens := auth.NewTokenClient(cfg.AuthServerURL)

	factory := func(ctx context.Context, token *auth.Token, accountID string, provider sync.Provider) (sync.Integration, error) {
		switch provider {
		case sync.ProviderGoogleWorkspace:
			return googleprov.New(ctx, token, cfg.PubSubTopic)
		case sync.ProviderMicrosoft365:
			var opts []msgraph.Option
			if cfg.GraphBaseURL != "" {
				opts = append(opts, msgraph.WithBaseURL(cfg.GraphBaseURL))
			}
			return msgraph.New(token, opts...), nil
		default:
			return nil, sync.NewError(provider, "create_adapter", sync.KindPermanent, errUnknownProvider)
		}
	}

	manager := ingest.NewManager(
		cfg.DataRoot,
		tokens,
		publisher,
		factory,
		lifecycle,
		cfg.SyncInterval,
		func(t subscription.Transition) {
			if err := services.RecordTransition(t); err != nil {
				log.Printf("Error persisting transition for subscription %s: %v", t.Sub.ID, err)
			}
		},
	)
	defer manager.StopAll()

	go manager.RunRenewals(context.Background(), time.Minute)

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware(verifier))

	authorized.POST("/accounts/:account/providers/:provider/sync/start", func(c *gin.Context) {
		provider, ok := parseProvider(c)
		if !ok {
			return
		}
		accountID := c.Param("account")
		userID := c.GetString("user_id")

		if err := services.UpsertAccount(accountID, userID, string(provider)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		err := manager.StartIngest(c.Request.Context(), ingest.AccountConfig{
			UserID:    userID,
			AccountID: accountID,
			Provider:  provider,
			UserJWT:   c.GetString("user_jwt"),
		})
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"account": accountID, "provider": provider})
	})

	authorized.POST("/accounts/:account/providers/:provider/sync/stop", func(c *gin.Context) {
		provider, ok := parseProvider(c)
		if !ok {
			return
		}
		if err := manager.StopIngest(c.Param("account"), provider); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stopped": true})
	})

	authorized.GET("/sync/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"running": manager.Running()})
	})

	authorized.GET("/accounts/:account/providers/:provider/email/:id", func(c *gin.Context) {
		provider, ok := parseProvider(c)
		if !ok {
			return
		}
		integ, ok := manager.Integration(c.Param("account"), provider)
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "no ingest running for account"})
			return
		}

		email, err := integ.FetchEmail(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error(), "kind": sync.KindOf(err)})
			return
		}
		c.JSON(http.StatusOK, email)
	})

	authorized.GET("/accounts/:account/providers/:provider/events/:id", func(c *gin.Context) {
		provider, ok := parseProvider(c)
		if !ok {
			return
		}
		integ, ok := manager.Integration(c.Param("account"), provider)
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "no ingest running for account"})
			return
		}

		event, err := integ.FetchCalendarEvent(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error(), "kind": sync.KindOf(err)})
			return
		}
		c.JSON(http.StatusOK, event)
	})

	authorized.POST("/accounts/:account/providers/:provider/subscriptions", func(c *gin.Context) {
		provider, ok := parseProvider(c)
		if !ok {
			return
		}
		transitions, err := manager.CreateSubscriptions(c.Request.Context(), c.Param("account"), provider, cfg.NotificationURL)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error(), "kind": sync.KindOf(err)})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"transitions": transitions})
	})

	authorized.GET("/accounts/:account/subscriptions", func(c *gin.Context) {
		subs, err := services.GetSubscriptions(c.Param("account"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
	})

	log.Fatal(r.Run(cfg.ListenAddr))
}

var errUnknownProvider = errors.New("unknown provider")

// parseProvider resolves the :provider path parameter; it writes the
// error response itself when the value is unknown.
func parseProvider(c *gin.Context) (sync.Provider, bool) {
	switch c.Param("provider") {
	case string(sync.ProviderGoogleWorkspace):
		return sync.ProviderGoogleWorkspace, true
	case string(sync.ProviderMicrosoft365):
		return sync.ProviderMicrosoft365, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return "", false
	}
}

// statusForError maps a taxonomy kind to an HTTP status for the API
// surface.
func statusForError(err error) int {
	switch sync.KindOf(err) {
	case sync.KindAuthFailure:
		return http.StatusUnauthorized
	case sync.KindNotFound:
		return http.StatusNotFound
	case sync.KindRateLimited:
		return http.StatusTooManyRequests
	case sync.KindTransientUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := verifier.PrincipalFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		userJWT := c.GetHeader("Authorization")
		userJWT = strings.TrimPrefix(userJWT, "Bearer ")

		c.Set("user_id", principal.ID)
		c.Set("user_jwt", userJWT)
		c.Next()
	}
}
