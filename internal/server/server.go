package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/loopbill/loopbill/internal/config"
	discountdomain "github.com/loopbill/loopbill/internal/discount/domain"
	dunningdomain "github.com/loopbill/loopbill/internal/dunning/domain"
	invoicedomain "github.com/loopbill/loopbill/internal/invoice/domain"
	paymentdomain "github.com/loopbill/loopbill/internal/payment/domain"
	plandomain "github.com/loopbill/loopbill/internal/plan/domain"
	subscriptiondomain "github.com/loopbill/loopbill/internal/subscription/domain"
	webhookdomain "github.com/loopbill/loopbill/internal/webhook/domain"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger
	db     *gorm.DB
	genID  *snowflake.Node

	planSvc         plandomain.Service
	discountSvc     discountdomain.Service
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	paymentSvc      paymentdomain.Service
	dunningSvc      dunningdomain.Service
	webhookSvc      webhookdomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	DB              *gorm.DB
	GenID           *snowflake.Node
	PlanSvc         plandomain.Service
	DiscountSvc     discountdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	PaymentSvc      paymentdomain.Service
	DunningSvc      dunningdomain.Service
	WebhookSvc      webhookdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		db:              p.DB,
		genID:           p.GenID,
		planSvc:         p.PlanSvc,
		discountSvc:     p.DiscountSvc,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		paymentSvc:      p.PaymentSvc,
		dunningSvc:      p.DunningSvc,
		webhookSvc:      p.WebhookSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	plans := v1.Group("/plans")
	plans.POST("", s.CreatePlan)
	plans.GET("", s.ListPlans)
	plans.GET("/:id", s.GetPlan)
	plans.PATCH("/:id", s.UpdatePlan)

	discounts := v1.Group("/discounts")
	discounts.POST("", s.CreateDiscount)
	discounts.GET("/:code", s.GetDiscount)

	subs := v1.Group("/subscriptions")
	subs.POST("", s.CreateSubscription)
	subs.GET("/:user_id", s.GetSubscription)
	subs.POST("/:user_id/change-plan", s.ChangePlan)
	subs.POST("/:user_id/pause", s.PauseSubscription)
	subs.POST("/:user_id/resume", s.ResumeSubscription)
	subs.POST("/:user_id/cancel", s.CancelSubscription)
	subs.POST("/:user_id/reactivate", s.ReactivateSubscription)
	subs.POST("/:user_id/discounts", s.ApplySubscriptionDiscount)
	subs.GET("/:user_id/invoices", s.ListSubscriptionInvoices)
	subs.GET("/:user_id/payments", s.ListSubscriptionPayments)
	subs.GET("/:user_id/dunning", s.GetSubscriptionDunningState)

	invoices := v1.Group("/invoices")
	invoices.GET("/:id", s.GetInvoice)

	webhooks := v1.Group("/webhooks")
	webhooks.POST("/:provider", s.HandleProviderWebhook)
	webhooks.POST("/retry/:id", s.RetryWebhookEvent)
	webhooks.GET("/stats", s.WebhookStats)
	webhooks.GET("/recent", s.RecentWebhookEvents)
}
