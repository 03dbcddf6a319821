package main

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/cloudgroundcontrol/meet-recorder/pkg/browser"
	"github.com/cloudgroundcontrol/meet-recorder/pkg/capture"
	"github.com/cloudgroundcontrol/meet-recorder/pkg/device"
	"github.com/cloudgroundcontrol/meet-recorder/pkg/http/rest"
	"github.com/cloudgroundcontrol/meet-recorder/pkg/session"
	"github.com/cloudgroundcontrol/meet-recorder/pkg/upload"
)

func getEnvOrFail(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("%s not set", key)
	}
	return val
}

func getEnvOrDefault(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func main() {
	// Get env variables
	port := getEnvOrFail("APP_PORT")
	display := getEnvOrFail("DISPLAY")
	audioSource := getEnvOrDefault("PULSE_SOURCE", "default")
	recordingsDir := getEnvOrDefault("RECORDINGS_DIR", "recordings")
	botName := getEnvOrDefault("BOT_NAME", "Recording Bot")
	logLevel := os.Getenv("LOG_LEVEL")
	webhookUrls := os.Getenv("WEBHOOK_URLS")

	// Get log verbosity
	var verbosity log.Lvl
	switch strings.ToLower(logLevel) {
	case "debug":
		verbosity = log.DEBUG
	case "info":
		verbosity = log.INFO
	case "warn":
		verbosity = log.WARN
	case "error":
		fallthrough
	default:
		verbosity = log.ERROR
	}
	log.SetLevel(verbosity)
	log.SetHeader("(${short_file}:${line}) ${time_rfc3339} ${level}: ")

	// Separate the webhooks by comma
	var webhooks = []string{}
	if webhookUrls != "" {
		webhooks = strings.Split(webhookUrls, ",")
	}

	// The virtual display and audio sink are provisioned by the environment;
	// verify we can bind to them before serving
	devices := device.Devices{
		Display:     display,
		AudioSource: audioSource,
		OutputDir:   recordingsDir,
	}
	if err := devices.Check(); err != nil {
		log.Fatal(err)
	}

	// Create S3 uploader only if the environment variables are not empty
	s3Region := os.Getenv("S3_REGION")
	s3Bucket := os.Getenv("S3_BUCKET")
	var uploader upload.Uploader
	if s3Region != "" && s3Bucket != "" {
		var err error
		uploader, err = upload.NewS3Uploader(context.Background(), upload.S3Config{
			Region:    s3Region,
			Bucket:    s3Bucket,
			Directory: os.Getenv("S3_DIRECTORY"),
		})
		if err != nil {
			log.Fatal(err)
		}
	}

	// Initialise the coordinator and its managed subsystems
	driver := browser.NewMeetDriver(browser.Config{
		Display: display,
		BotName: botName,
	})
	manager := capture.NewFFmpegManager()
	coordinator := session.NewCoordinator(driver, manager, devices)
	coordinator.SetUploader(uploader)
	coordinator.SetWebhooks(webhooks)

	// Initialise session controller
	controller := rest.NewSessionController(coordinator)

	// Initialise server
	e := echo.New()

	// Attach middlewares
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "(${host}) ${time_rfc3339} ${level}: ${method} ${uri} ${status} ${error}\n",
	}))

	// Attach handlers
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Welcome to CGC")
	})
	e.GET("/health-check", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	// Attach session handlers
	e.POST("/sessions/start", controller.StartSession)
	e.POST("/sessions/stop", controller.StopSession)
	e.GET("/sessions/:id/status", controller.GetSessionStatus)

	// Start server
	e.Logger.Fatal(e.Start(":" + port))
}
