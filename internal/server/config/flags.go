package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/parsecd/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":6777")
//	-d string   PostgreSQL DSN
//	-m string   store backend ("postgres" or "memory")
//	-k string   blockstore backend ("s3", "filesystem" or "memory")
//	-f string   filesystem blockstore root directory
//	-s string   administration JWT HMAC secret key
//	-t int      administration token validity, minutes
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Duration flags are accepted as integers in minutes and then converted
//     to time.Duration values.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-m", "-k", "-f", "-s", "-t", "-u", "-p", "-b", "-g", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.StoreBackend, "m", config.StoreBackend, "store backend")
	fs.StringVar(&config.BlockstoreBackend, "k", config.BlockstoreBackend, "blockstore backend")
	fs.StringVar(&config.BlockstoreDir, "f", config.BlockstoreDir, "filesystem blockstore directory")
	fs.StringVar(&config.AdminSecretKey, "s", config.AdminSecretKey, "administration secret key")

	adminTokenValidityDuration := fs.Int("t", int(config.AdminTokenValidityDuration.Minutes()), "admin_token_validity_duration (in minutes)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 root bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 root region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AdminTokenValidityDuration = time.Duration(*adminTokenValidityDuration) * time.Minute
}
