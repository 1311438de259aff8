package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

// issue-token signs a JWT for an admin or a test-taker. The signing secret
// comes from JWT_SECRET, or is prompted for when it is unset.
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.AppName, cfg.LogLevel, cfg.LogFormat)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Issue Access Token ===")

	// Token type
	fmt.Print("Token type (admin/taker) [taker]: ")
	kind, _ := reader.ReadString('\n')
	kind = strings.ToLower(strings.TrimSpace(kind))
	var tokenType service.TokenType
	switch kind {
	case "", "taker":
		tokenType = service.TokenTypeTaker
	case "admin":
		tokenType = service.TokenTypeAdmin
	default:
		fmt.Println("Error: Token type must be admin or taker")
		return
	}

	// Subject
	fmt.Print("Enter User ID: ")
	userID, _ := reader.ReadString('\n')
	userID = strings.TrimSpace(userID)
	if userID == "" {
		fmt.Println("Error: User ID is required")
		return
	}

	// Display name
	fmt.Print("Enter Name (optional): ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)

	// Secret
	if os.Getenv("JWT_SECRET") == "" {
		fmt.Print("Enter JWT Secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // Newline after secret input
		if err != nil {
			fmt.Println("Error reading secret")
			return
		}
		if len(secret) < 16 {
			fmt.Println("Error: Secret must be at least 16 characters")
			return
		}
		cfg.JWTSecret = string(secret)
	}

	// ─── Sign ──────────────────────────────────────────────────────────
	token, err := service.NewAuthService(cfg).GenerateToken(tokenType, userID, name)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	log.Info().
		Str("type", string(tokenType)).
		Str("user_id", userID).
		Dur("expires_in", cfg.JWTExpiry).
		Msg("Token issued")
	fmt.Println(token)
}
