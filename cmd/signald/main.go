// Signald — standalone signaling store server.
//
// It exposes the call signaling document store over HTTP + WebSocket for
// peers that have no shared MongoDB deployment: run signald somewhere both
// peers can reach (a small VPS, a forwarded port) and point rov1's -signal
// flag at it.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/1ureka/1ureka.net.call/internal/signaling"
	"github.com/1ureka/1ureka.net.call/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addr := flag.String("addr", ":8790", "Listen address")
	token := flag.String("token", "", "Shared access token (empty generates a PIN)")
	mongoURI := flag.String("mongo", "", "Back the server with MongoDB instead of process memory")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Signald — v%s", version))
	pterm.Println()

	var store signaling.Store = signaling.NewMemoryStore()
	if *mongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(*mongoURI))
		if err != nil {
			util.LogError("connecting to MongoDB: %v", err)
			os.Exit(1)
		}
		defer client.Disconnect(context.Background())

		store, err = signaling.NewMongoStore(ctx, client)
		if err != nil {
			util.LogError("preparing MongoDB store: %v", err)
			os.Exit(1)
		}
		util.LogInfo("backing store: MongoDB")
	}

	accessToken := *token
	if accessToken == "" {
		accessToken = generatePIN(6)
	}

	server := signaling.NewServer(store, accessToken)
	bound, err := server.Start(*addr)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer server.Close()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║         Signaling Store Server           ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Addr  : %-31s ║\n", bound.String())
	fmt.Printf("║  Token : %-31s ║\n", accessToken)
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Println("║  Peers connect with                      ║")
	fmt.Println("║  -signal http://host:port?token=...      ║")
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()

	<-ctx.Done()
	util.LogInfo("shutting down signaling server")
}

// generatePIN returns a random numeric PIN of the specified length.
func generatePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
