// forestctl is the operator CLI: device provisioning and tenant
// bootstrap against the same store and certificate directory the
// server uses.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/forest-iot/forest/internal/api"
	"github.com/forest-iot/forest/internal/certs"
	"github.com/forest-iot/forest/internal/config"
	"github.com/forest-iot/forest/internal/models"
	"github.com/forest-iot/forest/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	tenant := flag.String("tenant", "default", "tenant id")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.Path = url
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	certManager, err := certs.NewManager(cfg.CertDir, "")
	if err != nil {
		log.Fatalf("certificates: %v", err)
	}

	tenantID := models.NewDefaultString(*tenant)

	switch args[0] {
	case "create-device":
		if len(args) != 2 {
			usage()
		}
		metadata, err := api.CreateDevice(ctx, args[1], tenantID, st, certManager)
		if err != nil {
			log.Fatalf("create device: %v", err)
		}
		printJSON(metadata)
	case "create-tenant":
		if len(args) != 2 {
			usage()
		}
		id := models.NewDefaultString(args[1])
		existing, err := st.GetTenant(ctx, id)
		if err != nil {
			log.Fatalf("get tenant: %v", err)
		}
		if existing != nil {
			log.Fatalf("tenant %s already exists", id)
		}
		t := models.NewTenant(id)
		if err := st.PutTenant(ctx, t); err != nil {
			log.Fatalf("create tenant: %v", err)
		}
		printJSON(t)
	case "add-password":
		if len(args) != 4 {
			usage()
		}
		if err := st.AddDevicePassword(ctx, tenantID, args[1], args[2], args[3],
			uint64(time.Now().Unix())); err != nil {
			log.Fatalf("add password: %v", err)
		}
		fmt.Printf("password added for %s/%s\n", args[1], args[2])
	default:
		usage()
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode: %v", err)
	}
	fmt.Println(string(data))
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: forestctl [flags] <command>

commands:
  create-device <device-id>                     provision a device with a client certificate
  create-tenant <tenant-id>                     create a tenant with default auth config
  add-password <device-id> <username> <pass>    register a device credential

flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}
