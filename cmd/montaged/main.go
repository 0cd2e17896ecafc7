// Command montaged runs the montage production daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"

	"montage/internal/config"
	"montage/internal/daemonrun"
)

func main() {
	var (
		configPath string
		envFile    string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "", "Configuration file path")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before config")
	flag.StringVar(&logLevel, "log-level", "", "Override logging.level")
	flag.Parse()

	if err := loadEnv(envFile); err != nil {
		log.Fatalf("load env file: %v", err)
	}

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{LogLevel: logLevel}); err != nil {
		os.Exit(1)
	}
}

// loadEnv applies a dotenv file without overriding variables already set. A
// missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
