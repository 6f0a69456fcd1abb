// Package config provides configuration management for taskloop.
//
// Configuration is loaded from environment variables using the env package,
// after an optional .env file has been read with godotenv. All configuration
// values have sensible defaults for development use.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
