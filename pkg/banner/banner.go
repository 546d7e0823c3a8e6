package banner

import (
	"fmt"

	"courier/pkg/config"
)

const banner = `
 ██████╗ ██████╗ ██╗   ██╗██████╗ ██╗███████╗██████╗
██╔════╝██╔═══██╗██║   ██║██╔══██╗██║██╔════╝██╔══██╗
██║     ██║   ██║██║   ██║██████╔╝██║█████╗  ██████╔╝
██║     ██║   ██║██║   ██║██╔══██╗██║██╔══╝  ██╔══██╗
╚██████╗╚██████╔╝╚██████╔╝██║  ██║██║███████╗██║  ██║
 ╚═════╝ ╚═════╝  ╚═════╝ ╚═╝  ╚═╝╚═╝╚══════╝╚═╝  ╚═╝
`

// Print writes the startup banner with the effective runtime settings.
func Print(cfg *config.Config, source, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:        %s\n", cfg.Addr())
	fmt.Printf("Messages:      %s\n", cfg.Storage.MessagePath)
	fmt.Printf("Conversations: %s\n", cfg.Storage.ConversationPath)
	fmt.Printf("Event bus:     %s\n", cfg.Bus.Dir)
	if cfg.Redis.Addr != "" {
		fmt.Printf("Redis:         %s\n", cfg.Redis.Addr)
	} else {
		fmt.Println("Redis:         not configured (in-process presence and inbox)")
	}
	if version != "" {
		fmt.Printf("Version:       %s\n", version)
	}
	if source != "" {
		fmt.Printf("Config:        %s\n", source)
	}

	if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
		fmt.Println("TLS:           configured")
	} else {
		fmt.Println("TLS:           unconfigured")
	}

	fmt.Println("\n== Examples ===================================================")
	fmt.Println("curl -X POST 'http://<host>:<port>/v1/messages' -H 'X-User-ID: alice' \\")
	fmt.Println("  -d '{\"receiver_id\": \"bob\", \"kind\": \"TEXT\", \"data\": \"hello\"}'")
	fmt.Println("curl 'http://<host>:<port>/v1/conversations/<id>/messages?limit=20' -H 'X-User-ID: alice'")

	fmt.Println("\n== Logs =======================================================")
}
