package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldsync/internal/config"
	"fieldsync/internal/queue"
	"fieldsync/internal/rules"
	"fieldsync/internal/subjectcache"
	"fieldsync/internal/syncer"
)

// The agent runs on the handheld device: it owns the local operation
// queue, approximates eligibility from its subject cache while offline,
// and drains the queue through the batch protocol whenever the server
// is reachable.
func main() {
	cfg := config.Load()
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	opts := badger.DefaultOptions(cfg.DataDir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatalf("open local store: %v", err)
	}
	defer db.Close()

	store := queue.NewStore(db)
	cache := subjectcache.New(db)
	client := syncer.NewClient(cfg.ServerURL, cfg.AgentToken, cfg.RequestTimeout)
	orchestrator := syncer.New(store, client, cfg.BatchSize, cfg.RetentionWindow)

	// Connectivity transitions and the periodic timer both funnel into
	// TriggerSync, which collapses overlapping triggers to one cycle.
	watcher := syncer.NewWatcher(client, cfg.ConnCheckInterval, func() {
		orchestrator.TriggerSync(ctx)
	})
	go watcher.Run(ctx)
	go func() {
		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				orchestrator.TriggerSync(ctx)
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The scanner front end posts every scan here. Enqueue is
	// optimistic: only a locally known exclusion is rejected up front,
	// the server re-validates everything.
	r.POST("/scan", func(c *gin.Context) {
		var req struct {
			Kind       string    `json:"kind" binding:"required"`
			StudentNo  string    `json:"student_no"`
			StudentID  string    `json:"student_id"`
			SessionID  string    `json:"session_id"`
			OccurredAt time.Time `json:"occurred_at"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		op := queue.PendingOperation{
			Kind:       queue.Kind(req.Kind),
			StudentNo:  req.StudentNo,
			StudentID:  req.StudentID,
			SessionID:  req.SessionID,
			OccurredAt: req.OccurredAt,
		}
		if err := op.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if op.StudentNo != "" {
			refreshSubject(c.Request.Context(), client, cache, op.StudentNo)
			if subj, err := cache.Get(op.StudentNo); err == nil {
				// Stale-tolerant local check; advisory only.
				if d := rules.SubjectAllowed(rules.Subject{Expelled: subj.Expelled}); !d.Allowed {
					c.JSON(http.StatusUnprocessableEntity, gin.H{"error": string(d.Reason)})
					return
				}
			}
		}

		localID, err := store.Enqueue(op)
		if err != nil {
			c.JSON(http.StatusInsufficientStorage, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"local_id": localID, "status": queue.StatusPending})
	})

	r.GET("/queue", func(c *gin.Context) {
		counts, err := store.Counts()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, counts)
	})

	r.GET("/queue/failed", func(c *gin.Context) {
		failed, err := store.ListByStatus(queue.StatusFailed)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"failed": failed})
	})

	// Operator action: failed operations are permanent rule violations
	// and only leave the queue through here.
	r.DELETE("/queue/failed", func(c *gin.Context) {
		cleared, err := store.ClearFailed()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cleared": cleared})
	})

	r.POST("/sync", func(c *gin.Context) {
		summary := orchestrator.TriggerSync(c.Request.Context())
		c.JSON(http.StatusOK, summary)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.AgentPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("agent listening on :%s", cfg.AgentPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("agent server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("agent forced shutdown: %v", err)
	}
	log.Println("agent exited")
}

// refreshSubject opportunistically updates the local projection from
// the server. Failures are expected offline and ignored.
func refreshSubject(ctx context.Context, client *syncer.Client, cache *subjectcache.Cache, studentNo string) {
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	profile, err := client.Student(lookupCtx, studentNo)
	if err != nil {
		return
	}
	_ = cache.Put(subjectcache.CachedSubject{
		StudentID: profile.ID,
		StudentNo: profile.StudentNo,
		FullName:  profile.FullName,
		ClassID:   profile.ClassID,
		Expelled:  profile.Expelled,
	})
}
