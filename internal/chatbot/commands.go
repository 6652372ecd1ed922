package chatbot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"CompareChat/internal/backend"
)

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new-session":
		if err := cb.store.SaveSession(ctx, cb.session); err != nil {
			cb.logger.Error("failed to save current session", "error", err)
		}
		if err := cb.newSession(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, "Started new session:", cb.session.ID)
		return false, nil

	case "/clear":
		cb.session.Clear()
		if err := cb.store.SaveSession(ctx, cb.session); err != nil {
			return false, fmt.Errorf("failed to save cleared session: %w", err)
		}
		fmt.Fprintln(cb.out, "Cleared both histories")
		return false, nil

	case "/params":
		if len(parts) != 4 {
			return false, fmt.Errorf("usage: /params <temperature> <max_tokens> <top_p>")
		}
		params, err := parseParams(parts[1], parts[2], parts[3])
		if err != nil {
			return false, err
		}
		cb.params = params
		cb.logger.Info("parameters updated", "temperature", params.Temperature, "max_tokens", params.MaxTokens, "top_p", params.TopP)
		fmt.Fprintf(cb.out, "Parameters: temperature=%.2f max_tokens=%d top_p=%.2f\n", params.Temperature, params.MaxTokens, params.TopP)
		return false, nil

	case "/reset-params":
		cb.params = backend.DefaultParams()
		fmt.Fprintf(cb.out, "Parameters: temperature=%.2f max_tokens=%d top_p=%.2f\n", cb.params.Temperature, cb.params.MaxTokens, cb.params.TopP)
		return false, nil

	case "/solo":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: /solo <backend> <message>")
		}
		message := strings.Join(parts[2:], " ")
		turnCtx, stop := interruptible(ctx)
		defer stop()
		return false, cb.solo(turnCtx, parts[1], message)

	case "/models":
		for _, client := range cb.registry.All() {
			models, err := client.ListModels(ctx)
			if err != nil {
				fmt.Fprintf(cb.out, "%s: %v\n", client.Name(), err)
				continue
			}
			fmt.Fprintf(cb.out, "\nModels served by %s:\n", client.Name())
			for i, model := range models {
				current := ""
				if model.ID == client.Info().Model {
					current = " (current)"
				}
				fmt.Fprintf(cb.out, "%d. %s%s\n", i+1, model.ID, current)
			}
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/backends":
		fmt.Fprintln(cb.out, "\nBackends:")
		for i, client := range cb.registry.All() {
			info := client.Info()
			side := ""
			switch info.Name {
			case cb.left.Name():
				side = " [left]"
			case cb.right.Name():
				side = " [right]"
			}
			fmt.Fprintf(cb.out, "%d. %s - %s @ %s%s\n", i+1, info.Name, info.Model, info.ServerURL, side)
		}
		fmt.Fprintln(cb.out)
		return false, nil

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /quit, /exit                 - Exit")
		fmt.Fprintln(cb.out, "  /new-session                 - Start a new comparison session")
		fmt.Fprintln(cb.out, "  /clear                       - Clear both histories")
		fmt.Fprintln(cb.out, "  /params <temp> <max> <top_p> - Set sampling parameters")
		fmt.Fprintln(cb.out, "  /reset-params                - Restore default parameters")
		fmt.Fprintln(cb.out, "  /solo <backend> <message>    - Ask a single backend (not recorded)")
		fmt.Fprintln(cb.out, "  /models                      - List models served by each backend")
		fmt.Fprintln(cb.out, "  /backends                    - Show configured backends")
		fmt.Fprintln(cb.out, "  /help                        - Show this help message")
		fmt.Fprintln(cb.out, "Press Ctrl-C to abandon a running comparison.")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
}

func parseParams(temperature, maxTokens, topP string) (backend.Params, error) {
	var p backend.Params
	var err error
	if p.Temperature, err = strconv.ParseFloat(temperature, 64); err != nil {
		return backend.Params{}, fmt.Errorf("invalid temperature %q: %w", temperature, err)
	}
	if p.MaxTokens, err = strconv.Atoi(maxTokens); err != nil {
		return backend.Params{}, fmt.Errorf("invalid max_tokens %q: %w", maxTokens, err)
	}
	if p.TopP, err = strconv.ParseFloat(topP, 64); err != nil {
		return backend.Params{}, fmt.Errorf("invalid top_p %q: %w", topP, err)
	}
	if err := p.Validate(); err != nil {
		return backend.Params{}, err
	}
	return p, nil
}
