// Rov1 — CLI entry point.
//
// This tool places P2P video/audio calls over WebRTC. The two peers find each
// other through a shared signaling store — a signald server or a MongoDB
// deployment — and media flows directly between them afterwards.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -signal, -channel).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/1ureka/1ureka.net.call/internal/call"
	"github.com/1ureka/1ureka.net.call/internal/config"
	"github.com/1ureka/1ureka.net.call/internal/media"
	"github.com/1ureka/1ureka.net.call/internal/peer"
	"github.com/1ureka/1ureka.net.call/internal/quality"
	"github.com/1ureka/1ureka.net.call/internal/signaling"
	"github.com/1ureka/1ureka.net.call/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: caller, callee or loopback")
	signalURL := flag.String("signal", "", "Signaling store: signald URL or mongodb:// URI")
	channelID := flag.String("channel", "", "Call identifier to join (callee only)")
	audioOnly := flag.Bool("audioOnly", false, "Skip video capture")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Rov1 — v%s", version))
	pterm.Println()

	cfg := config.Config{
		Role:      config.Role(*role),
		SignalURL: *signalURL,
		ChannelID: *channelID,
		AudioOnly: *audioOnly,
		Debug:     *debugMode,
	}

	switch cfg.Role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg)

	case config.RoleCaller:
		requireSignalURL(cfg)
		runCaller(ctx, cfg)

	case config.RoleCallee:
		requireSignalURL(cfg)
		if cfg.ChannelID == "" {
			util.LogError("missing -channel for callee role")
			os.Exit(1)
		}
		runCallee(ctx, cfg)

	case config.RoleLoopback:
		runLoopback(ctx, cfg)

	default:
		util.LogError("invalid -role: must be 'caller', 'callee' or 'loopback'")
		os.Exit(1)
	}

	util.LogInfo("call closed")
}

func requireSignalURL(cfg config.Config) {
	if cfg.SignalURL == "" {
		util.LogError("missing -signal (signald URL or mongodb:// URI)")
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to prompts when no -role flag is provided.
func runInteractive(ctx context.Context, cfg config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Caller   — Place a call and share its ID",
			"Callee   — Join a call by its ID",
			"Loopback — Demo both sides in this process",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Caller"):
		cfg.SignalURL = askSignalURL(cfg.SignalURL)
		runCaller(ctx, cfg)
	case strings.HasPrefix(role, "Callee"):
		cfg.SignalURL = askSignalURL(cfg.SignalURL)
		cfg.ChannelID = askChannelID()
		runCallee(ctx, cfg)
	default:
		runLoopback(ctx, cfg)
	}
}

// runCaller places the call and prints the identifier to share.
func runCaller(ctx context.Context, cfg config.Config) {
	store, cleanup := buildStore(ctx, cfg.SignalURL)
	defer cleanup()

	session := newSession(store, cfg)
	defer session.End()

	channelID, err := session.Start(ctx)
	if err != nil {
		util.LogError("failed to place call: %v", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════╗")
	fmt.Println("║                   Call created                   ║")
	fmt.Println("╠══════════════════════════════════════════════════╣")
	fmt.Printf("║  ID : %-42s ║\n", channelID)
	fmt.Println("╠══════════════════════════════════════════════════╣")
	fmt.Println("║  Share this identifier with the other peer.      ║")
	fmt.Println("╚══════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Println("Waiting for the other peer to join...")

	runSession(ctx, session)
}

// runCallee joins the identified call.
func runCallee(ctx context.Context, cfg config.Config) {
	store, cleanup := buildStore(ctx, cfg.SignalURL)
	defer cleanup()

	session := newSession(store, cfg)
	defer session.End()

	if err := session.Join(ctx, cfg.ChannelID); err != nil {
		util.LogError("failed to join call: %v", err)
		os.Exit(1)
	}
	util.LogInfo("answer submitted — connecting...")

	runSession(ctx, session)
}

// runLoopback places and answers a call inside this one process, over an
// in-memory store and synthetic media. Useful to verify the engine without a
// second machine.
func runLoopback(ctx context.Context, cfg config.Config) {
	store := signaling.NewMemoryStore()

	cfg.SignalURL = ""
	caller := newSession(store, cfg)
	defer caller.End()
	callee := newSession(store, cfg)
	defer callee.End()

	channelID, err := caller.Start(ctx)
	if err != nil {
		util.LogError("failed to place call: %v", err)
		os.Exit(1)
	}
	util.LogInfo("loopback call %s placed, joining from the same process", channelID)

	if err := callee.Join(ctx, channelID); err != nil {
		util.LogError("failed to join call: %v", err)
		os.Exit(1)
	}

	runSession(ctx, caller)
}

// ---------------------------------------------------------------------------
// Session wiring
// ---------------------------------------------------------------------------

// newSession assembles a call session from the CLI configuration.
func newSession(store signaling.Store, cfg config.Config) *call.Session {
	peerID := util.NewPeerID()

	callCfg := call.Config{
		Store:       store,
		Acquirer:    media.NewDefaultAcquirer(),
		PeerID:      peerID,
		Constraints: media.Constraints{Audio: true, Video: !cfg.AudioOnly},
	}
	if cfg.Role == config.RoleLoopback {
		// Two captures of the same camera in one process never works;
		// the demo runs on synthetic media and loopback ICE.
		callCfg.Peer = peer.Config{Loopback: true}
		callCfg.Acquirer = media.NewSyntheticAcquirer()
	}

	session, err := call.NewSession(callCfg)
	if err != nil {
		util.LogError("building call session: %v", err)
		os.Exit(1)
	}

	session.OnRemoteStream(func(rs *peer.RemoteStream) {
		util.LogSuccess("remote media arrived (%d tracks) — call is live", len(rs.Tracks()))
	})
	session.OnQualityChange(func(l quality.Level) {
		if l == quality.LevelPoor {
			util.LogWarning("call quality: %s", l)
			return
		}
		util.LogInfo("call quality: %s", l)
	})
	session.OnError(func(err error) {
		util.LogError("call error: %v", err)
	})

	util.LogInfo("this peer is %s", peerID)
	return session
}

// runSession blocks until the call ends, feeding keyboard commands to the
// toggle operations meanwhile.
func runSession(ctx context.Context, session *call.Session) {
	util.StartStatsReporter(ctx)

	done := make(chan struct{})
	session.OnPhaseChange(func(p call.Phase) {
		util.LogInfo("call phase: %s", p)
		if p == call.PhaseEnded || p == call.PhaseFailed {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	fmt.Println("Commands: [m]ute  [v]ideo  [c]amera switch  [q]uit")
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			switch strings.TrimSpace(scanner.Text()) {
			case "m":
				util.LogInfo("microphone muted: %v", session.ToggleMute())
			case "v":
				util.LogInfo("camera enabled: %v", session.ToggleVideo())
			case "c":
				session.SwitchCamera()
			case "q":
				session.End()
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		util.LogInfo("interrupted — hanging up")
	case <-done:
	}
	session.End()
}

// buildStore picks the signaling store implementation from the URL scheme.
func buildStore(ctx context.Context, rawURL string) (signaling.Store, func()) {
	if strings.HasPrefix(rawURL, "mongodb://") || strings.HasPrefix(rawURL, "mongodb+srv://") {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(rawURL))
		if err != nil {
			util.LogError("connecting to MongoDB: %v", err)
			os.Exit(1)
		}
		store, err := signaling.NewMongoStore(ctx, client)
		if err != nil {
			util.LogError("preparing MongoDB store: %v", err)
			os.Exit(1)
		}
		return store, func() { _ = client.Disconnect(context.Background()) }
	}

	store, err := signaling.NewHTTPStore(rawURL)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	return store, func() {}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askSignalURL prompts for the signaling store URL until a non-empty one is
// entered.
func askSignalURL(preset string) string {
	if preset != "" {
		return preset
	}
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling store (signald URL or mongodb:// URI)").
			Show()

		raw = strings.TrimSpace(raw)
		if raw != "" {
			pterm.Println()
			return raw
		}
		util.LogWarning("the signaling store URL cannot be empty")
		pterm.Println()
	}
}

// askChannelID prompts for the call identifier shared by the caller.
func askChannelID() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Call ID shared by the caller").
			Show()

		raw = strings.TrimSpace(raw)
		if raw != "" {
			pterm.Println()
			return raw
		}
		util.LogWarning("the call ID cannot be empty")
		pterm.Println()
	}
}
