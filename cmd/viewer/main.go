package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ridebook/internal/config"
	"ridebook/internal/logging"
	"ridebook/internal/models"
	"ridebook/internal/repository"
	"ridebook/internal/service"
	"ridebook/internal/syncclient"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const reviewCacheTTL = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	bookingID := flag.String("booking", "", "booking id to watch")
	viewerID := flag.String("viewer", "", "viewer id, defaults to viewer.viewer_id")
	flag.Parse()
	if *bookingID == "" {
		return errors.New("-booking is required")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := logging.Component(baseLogger, "viewer-main")

	vc := cfg.Viewer
	if *viewerID != "" {
		vc.ViewerID = *viewerID
	}
	if vc.ViewerID == "" {
		vc.ViewerID = vc.ActorID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, state := initState(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	client := syncclient.NewClient(syncclient.Options{
		BaseURL:  vc.BaseURL,
		APIKey:   vc.APIKey,
		APIExtra: vc.APIExtra,
		ActorID:  vc.ActorID,
		Role:     models.Role(vc.Role),
		Timeout:  vc.RequestTimeout,
	})
	if redisClient != nil {
		client.UseRedisCache(redisClient, reviewCacheTTL)
	}

	viewer := syncclient.NewViewer(client, syncclient.ViewerOptions{
		PollInterval:   vc.PollInterval,
		RequestTimeout: vc.RequestTimeout,
	}, baseLogger)
	viewer.Attach(*bookingID)

	otpGate := syncclient.NewOTPGate(state, vc.ViewerID, func(id, code string) {
		fmt.Printf("Код посадки для поездки %s: %s\n", id, code)
	}, baseLogger)
	reviewGate := syncclient.NewReviewGate(client, state, syncclient.ReviewGateOptions{
		ViewerID:       vc.ViewerID,
		Delay:          vc.ReviewPromptDelay,
		RequestTimeout: vc.RequestTimeout,
	}, func(b *models.Booking) {
		fmt.Printf("Поездка %s завершена. Оцените водителя: review <1-5> <комментарий>\n", b.ID)
	}, baseLogger)
	defer reviewGate.Stop()

	viewer.OnUpdate(func(b *models.Booking) {
		fmt.Printf("[v%d] %s, оплата: %s\n", b.Version, b.Status, b.Payment.Status)
		otpGate.Observe(ctx, b)
		reviewGate.Observe(ctx, b)
	})

	viewer.Start(ctx)
	defer viewer.Stop()

	if vc.Push {
		go subscribeLoop(ctx, viewer, client, vc.PollInterval, logger)
	}

	logger.Info().Str("booking_id", *bookingID).Str("viewer_id", vc.ViewerID).Str("role", vc.Role).Msg("viewer started")

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleCommand(ctx, viewer, client, state, vc.ViewerID, line); quit {
				return nil
			}
		}
	}
}

func initState(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, *service.ViewerStateService) {
	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = repository.NewRedisClient(cfg.Redis)
		if err := repository.Ping(ctx, redisClient); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, viewer state kept in memory")
		}
	}
	primary := repository.NewRedisStateRepository(redisClient, models.DefaultRedisTTL)
	fallback := repository.NewMemoryStateRepository(models.DefaultRedisTTL)
	repo := repository.NewFailoverStateRepository(primary, fallback, logger)
	return redisClient, service.NewViewerStateService(repo, logger)
}

// subscribeLoop keeps the push channel open, reconnecting after every drop.
func subscribeLoop(ctx context.Context, viewer *syncclient.Viewer, src syncclient.PushSource, retry time.Duration, logger *zerolog.Logger) {
	for {
		err := viewer.Subscribe(ctx, src)
		if ctx.Err() != nil {
			return
		}
		logger.Debug().Err(err).Msg("push channel closed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
}

func handleCommand(
	ctx context.Context,
	viewer *syncclient.Viewer,
	client *syncclient.Client,
	state *service.ViewerStateService,
	viewerID, line string,
) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "quit", "exit":
		return true
	case "show":
		if b := viewer.Snapshot(); b != nil {
			fmt.Printf("%s: %s -> %s, %s, оплата %s\n", b.ID, b.PickupLocation, b.DropoffLocation, b.Status, b.Payment.Status)
		}
	case "status":
		if len(fields) < 2 {
			fmt.Println("status <new_status> [otp]")
			return false
		}
		otp := ""
		if len(fields) > 2 {
			otp = fields[2]
		}
		_, err = viewer.Transition(ctx, models.Status(fields[1]), otp)
	case "otp":
		if len(fields) < 2 {
			fmt.Println("otp <code>")
			return false
		}
		_, err = viewer.VerifyPickupOTP(ctx, fields[1])
	case "regen":
		_, err = viewer.RegenerateOTP(ctx)
	case "cash":
		_, err = viewer.ConfirmCash(ctx)
	case "review":
		if len(fields) < 3 {
			fmt.Println("review <1-5> <comment>")
			return false
		}
		rating, convErr := strconv.Atoi(fields[1])
		if convErr != nil {
			fmt.Println("rating must be a number")
			return false
		}
		_, err = viewer.SubmitReview(ctx, rating, strings.Join(fields[2:], " "))
		if err == nil {
			fmt.Println("Спасибо за отзыв!")
		}
	case "rating":
		if len(fields) < 2 {
			fmt.Println("rating <driver_id>")
			return false
		}
		var r *models.DriverRating
		r, err = client.DriverReviews(ctx, fields[1])
		if err == nil {
			fmt.Printf("Водитель %s: %.2f (%d отзывов)\n", r.DriverID, r.Average, r.Count)
		}
	case "forget":
		// only the stored markers; gates already opened in this session keep their memory
		err = state.Clear(ctx, viewerID, viewer.BookingID())
	default:
		fmt.Println("commands: show, status, otp, regen, cash, review, rating, forget, quit")
	}
	if err != nil {
		fmt.Printf("Ошибка: %v\n", err)
	}
	return false
}
