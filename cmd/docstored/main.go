package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adfharrison1/go-docstore/pkg/server"
	"github.com/adfharrison1/go-docstore/pkg/storage"
	"gopkg.in/yaml.v2"
)

// config holds the daemon settings. Flags override file values.
type config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	HTTPAddr       string        `yaml:"http_addr"`
	DataFile       string        `yaml:"data_file"`
	BackgroundSave time.Duration `yaml:"background_save"`
}

func defaultConfig() config {
	return config{
		ListenAddr: ":27017",
		HTTPAddr:   "",
		DataFile:   "docstore_data.docstore",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func main() {
	var (
		configFile     = flag.String("config", "", "Path to a YAML config file")
		listenAddr     = flag.String("addr", "", "TCP listen address for the wire protocol")
		httpAddr       = flag.String("http-addr", "", "HTTP listen address for health and stats (disabled when empty)")
		dataFile       = flag.String("data-file", "", "Data file path for persistence")
		backgroundSave = flag.Duration("background-save", 0, "Background save interval (e.g., 5m, 30s). Set to 0 to disable.")
		showHelp       = flag.Bool("help", false, "Show help message")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\ndocstored is an in-memory document database with optional persistence.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s                                   # Start with defaults\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -addr :9090 -http-addr :8080      # Custom ports\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -background-save 5m               # Auto-save every 5 minutes\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config docstored.yaml            # Load settings from a file\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nSafety Note:\n")
		fmt.Fprintf(os.Stderr, "  Without -background-save, data is only saved on graceful shutdown.\n")
		fmt.Fprintf(os.Stderr, "  Enable background saves for better data safety in production.\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *dataFile != "" {
		cfg.DataFile = *dataFile
	}
	if *backgroundSave > 0 {
		cfg.BackgroundSave = *backgroundSave
	}

	engine := storage.NewEngine(storage.WithDataFile(cfg.DataFile))
	log.Printf("INFO: Loading data from: %s", cfg.DataFile)
	if err := engine.LoadData(); err != nil {
		log.Fatalf("ERROR: Failed to load data: %v", err)
	}

	srv := server.New(engine)
	if err := srv.Listen(cfg.ListenAddr); err != nil {
		log.Fatalf("ERROR: Failed to listen on %s: %v", cfg.ListenAddr, err)
	}
	log.Printf("Starting docstored server on %s", srv.Addr())

	if cfg.HTTPAddr != "" {
		go func() {
			log.Printf("INFO: Status endpoints available at http://%s", cfg.HTTPAddr)
			if err := http.ListenAndServe(cfg.HTTPAddr, srv.StatusHandler()); err != nil {
				log.Fatalf("Status server failed to start: %v", err)
			}
		}()
	}

	stopSaver := make(chan struct{})
	if cfg.BackgroundSave > 0 {
		log.Printf("INFO: Background save enabled: every %v", cfg.BackgroundSave)
		go func() {
			ticker := time.NewTicker(cfg.BackgroundSave)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := engine.SaveData(); err != nil {
						log.Printf("ERROR: Background save failed: %v", err)
					}
				case <-stopSaver:
					return
				}
			}
		}()
	} else {
		log.Printf("WARN: Background save disabled - data only saved on graceful shutdown")
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	close(stopSaver)
	srv.Close()

	log.Printf("INFO: Saving data to: %s", cfg.DataFile)
	if err := engine.SaveData(); err != nil {
		log.Printf("ERROR: Failed to save data: %v", err)
	}

	log.Println("Server exited")
}
