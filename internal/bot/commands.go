package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"
)

const workspaceUsage = "Available commands: current, list, create <name>, switch <name>"

func (b *Bot) handleWorkspace(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	msg := update.Message
	b.reply(ctx, msg.Chat.ID, msg.ID, b.workspaceCommand(strings.Fields(commandArgs(msg.Text))))
}

// workspaceCommand executes /workspace with args and returns the reply.
// A bare workspace name switches to it.
func (b *Bot) workspaceCommand(args []string) string {
	if len(args) == 0 {
		return b.describeCurrent()
	}

	sub := strings.ToLower(args[0])
	switch sub {
	case "current":
		return b.describeCurrent()

	case "list":
		list, err := b.ws.List()
		if err != nil {
			return b.commandError(err)
		}
		if len(list) == 0 {
			return "No workspaces available."
		}
		current := b.ws.Current().Name
		var sb strings.Builder
		sb.WriteString("Workspaces:")
		for _, ws := range list {
			marker := "  "
			if ws.Name == current {
				marker = "→ "
			}
			fmt.Fprintf(&sb, "\n%s%s - %s", marker, ws.Name, ws.Path)
		}
		return sb.String()

	case "create":
		if len(args) < 2 {
			return "Usage: /workspace create <name>"
		}
		created, err := b.ws.Create(args[1])
		if err != nil {
			return b.commandError(err)
		}
		if _, err := b.ws.Switch(created.Name); err != nil {
			return b.commandError(err)
		}
		return fmt.Sprintf("✅ Created and switched to workspace %s\nPath: %s", created.Name, created.Path)

	case "switch":
		if len(args) < 2 {
			return "Usage: /workspace switch <name>"
		}
		return b.switchWorkspace(args[1])

	default:
		if b.ws.Has(args[0]) {
			return b.switchWorkspace(args[0])
		}
		return fmt.Sprintf("Unknown subcommand or workspace: %s\n%s", args[0], workspaceUsage)
	}
}

func (b *Bot) switchWorkspace(name string) string {
	ws, err := b.ws.Switch(name)
	if err != nil {
		return b.commandError(err)
	}
	return fmt.Sprintf("✅ Switched to workspace %s\nPath: %s", ws.Name, ws.Path)
}

func (b *Bot) describeCurrent() string {
	current := b.ws.Current()
	return fmt.Sprintf("Current workspace: %s\nPath: %s", current.Name, current.Path)
}

func (b *Bot) commandError(err error) string {
	b.log.Warn("workspace command failed", zap.Error(err))
	return "❌ Error: " + err.Error()
}
