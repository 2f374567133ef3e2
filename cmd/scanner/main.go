// Command scanner bridges a keyboard-wedge barcode scanner on stdin to the inventory API.
// Each line is one decoded symbol; repeats within the debounce window are dropped.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/client"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/scanner"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/config"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/logger"
)

func main() {
	cfg, err := config.LoadScanner()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	zapLogger, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.NewInventoryClient(cfg.APIURL, cfg.Token)
	session, err := scanner.NewSession(api, api, scanner.SessionConfig{
		Operation: domain.Operation(cfg.Operation),
		Quantity:  cfg.Quantity,
		Debounce:  cfg.Debounce,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Invalid scanner configuration", zap.Error(err))
	}

	captures := scanner.ReadLines(ctx, os.Stdin, cfg.Format, nil)
	if err := session.Run(ctx, captures, printOutcome); err != nil && ctx.Err() == nil {
		zapLogger.Fatal("Scanner session failed", zap.Error(err))
	}
}

func printOutcome(o scanner.Outcome) {
	switch {
	case o.Err != nil:
		fmt.Printf("%s\terror\t%v\n", o.Capture.Symbol, o.Err)
	case o.NotFound:
		fmt.Printf("%s\tnot found\n", o.Capture.Symbol)
	case o.Adjusted:
		fmt.Printf("%s\t%s\tquantity %d\n", o.Capture.Symbol, o.Product.Name, o.NewQuantity)
	default:
		fmt.Printf("%s\t%s\tquantity %d (%s)\n", o.Capture.Symbol, o.Product.Name, o.Product.Quantity, o.Product.Status())
	}
}
