package main

import (
	"context"
	"os"
	"time"

	"github.com/liamcoop/bizrules/cmd/bizrules/cmd"
	"github.com/liamcoop/bizrules/internal/logger"
)

func main() {
	err := cmd.Execute()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	logger.Shutdown(ctx)
	cancel()

	if err != nil {
		os.Exit(1)
	}
}
