package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"gorm.io/gorm"

	"github.com/example/agriconnect/internal/config"
	"github.com/example/agriconnect/internal/handlers"
	"github.com/example/agriconnect/internal/metrics"
	"github.com/example/agriconnect/internal/middleware"
	"github.com/example/agriconnect/internal/services"
	"github.com/example/agriconnect/internal/store"
)

// Register wires up all HTTP routes.
func Register(app *fiber.App, db *gorm.DB, cfg *config.Config) {
	telegramService := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat)

	mpesaService := services.NewMpesaService(services.MpesaConfig{
		ConsumerKey:    cfg.MpesaConsumerKey,
		ConsumerSecret: cfg.MpesaConsumerSecret,
		Passkey:        cfg.MpesaPasskey,
		Shortcode:      cfg.MpesaShortcode,
		Environment:    cfg.MpesaEnvironment,
		CallbackURL:    cfg.MpesaCallbackURL,
	})

	txStore := store.NewGormStore(db)
	paymentService := services.NewPaymentService(txStore, mpesaService, telegramService)
	paymentHandler := handlers.NewPaymentHandler(paymentService, txStore)

	app.Get("/health", handlers.Health)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	payment := app.Group("/payment")
	payment.Post("/mpesa", paymentHandler.Initiate)
	payment.Get("/mpesa/status/:transactionId", paymentHandler.Status)
	payment.Post("/mpesa/callback", paymentHandler.Callback)
	payment.Get("/transactions", middleware.AuthMiddleware(cfg), paymentHandler.ListTransactions)
}
