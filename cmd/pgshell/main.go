// Command pgshell is a minimal interactive SQL shell built on the
// pgclient session core. It exists to exercise the library end to end:
// config file or flags in, one connection, queries serialized through
// the session queue, results printed as text.
package main

import (
	"bufio"
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/term"

	"github.com/justjake/pgclient/pkg/client"
	"github.com/justjake/pgclient/pkg/config"
	"github.com/justjake/pgclient/pkg/query"
)

//go:embed README.md
var readmeMarkdown string

var bannerLines = []string{
	`                      __           ____`,
	`    ____   ____ _____/ /_   ___   / / /`,
	`   / __ \ / __ '/ ___/ __ \ / _ \ / / / `,
	`  / /_/ // /_/ /(__  ) / / //  __// / /  `,
	` / .___/ \__, //____/_/ /_/ \___//_/_/   `,
	`/_/     /____/                           `,
}

func printBanner() {
	// Gradient from blue to green
	blue, _ := colorful.Hex("#336791")
	green, _ := colorful.Hex("#2EB67D")
	bgColor := lipgloss.Color("#1a1a2e")

	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := blue.BlendLuv(green, t)
			style := lipgloss.NewStyle().
				Foreground(lipgloss.Color(c.Hex())).
				Background(bgColor).
				Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}

	box := lipgloss.NewStyle().
		Background(bgColor).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))

	fmt.Println(box)
	fmt.Println()
}

var (
	// Styles for usage output
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#336791"))

	descStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	flagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#2EB67D")).
			Bold(true)

	exampleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)
)

func printUsage() {
	fmt.Println(titleStyle.Render("Usage:"))
	fmt.Print("  pgshell ")
	flag.VisitAll(func(f *flag.Flag) {
		if f.Name == "help" {
			return
		}
		fmt.Printf("%s ", flagStyle.Render("-"+f.Name+" <"+f.Name+">"))
	})
	fmt.Println()
	fmt.Println()

	fmt.Println(titleStyle.Render("Options:"))
	flag.VisitAll(func(f *flag.Flag) {
		typeName := fmt.Sprintf("%T", f.Value)
		typeName = strings.TrimPrefix(typeName, "*flag.")
		typeName = strings.TrimSuffix(typeName, "Value")

		fmt.Printf("  %s %s\n",
			flagStyle.Render("-"+f.Name),
			descStyle.Render(typeName))
		fmt.Printf("      %s\n", f.Usage)
	})
	fmt.Println()

	fmt.Println(titleStyle.Render("Example:"))
	fmt.Println(exampleStyle.Render("  pgshell -host localhost -user alice -database app"))
	fmt.Println()

	fmt.Println(descStyle.Render("Run 'pgshell -help' for full documentation."))
	fmt.Println()
}

func printFullDocs() {
	// Get terminal width, default to 80 if not a terminal
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}

	out, err := renderer.Render(readmeMarkdown)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}

	fmt.Print(out)
}

func main() {
	configPath := flag.String("config", "", "path to a JSON connection config file")
	host := flag.String("host", "", "server host (overrides config)")
	port := flag.Uint("port", 0, "server port (overrides config)")
	user := flag.String("user", "", "user to connect as (overrides config)")
	database := flag.String("database", "", "database to connect to (overrides config)")
	connectTimeout := flag.Duration("connect-timeout", 10*time.Second, "connect deadline (0 = none)")
	jsonLogs := flag.Bool("json", false, "output logs in JSON format")
	verbose := flag.Bool("verbose", false, "enable debug logging and protocol tracing")
	showHelp := flag.Bool("help", false, "show full documentation")
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printFullDocs()
		os.Exit(0)
	}

	// Set up logger
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		cfg, err = config.ReadConfigFile(*configPath)
		if err != nil {
			logger.Error("failed to read config", "error", err)
			os.Exit(1)
		}
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = uint16(*port)
	}
	if *user != "" {
		cfg.User = *user
	}
	if *database != "" {
		cfg.Database = *database
	}
	cfg.ConnectTimeout = *connectTimeout
	cfg.Logger = logger

	if cfg.User == "" && *configPath == "" {
		printBanner()
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()

	if cfg.PasswordRef != nil {
		secrets, err := config.NewSecretCacheFromEnv(ctx)
		if err != nil {
			logger.Error("failed to create secrets cache", "error", err)
			os.Exit(1)
		}
		if err := cfg.ResolvePassword(ctx, secrets); err != nil {
			logger.Error("failed to resolve password", "error", err)
			os.Exit(1)
		}
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("session error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c, err := client.New(*cfg)
	if err != nil {
		return err
	}

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.End(endCtx); err != nil {
			logger.Warn("error ending session", "error", err)
		}
	}()

	logger.Info("connected",
		"pid", c.ProcessID(),
		"server_version", c.ParameterStatus("server_version"))

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("pgshell> ")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		switch {
		case text == "":
		case text == `\q`:
			return nil
		default:
			runQuery(ctx, c, text)
		}
		fmt.Print("pgshell> ")
	}
	return scanner.Err()
}

func runQuery(ctx context.Context, c *client.Client, text string) {
	q := query.Simple(text)
	if err := c.Query(q).Wait(ctx); err != nil {
		fmt.Fprintln(os.Stderr, descStyle.Render("error: "+err.Error()))
		return
	}

	for _, result := range q.Results() {
		if len(result.Fields) > 0 {
			names := make([]string, len(result.Fields))
			for i, fd := range result.Fields {
				names[i] = string(fd.Name)
			}
			fmt.Println(titleStyle.Render(strings.Join(names, " | ")))
		}
		for _, row := range result.Rows {
			cells := make([]string, len(row))
			for i, value := range row {
				if value == nil {
					cells[i] = "NULL"
				} else {
					cells[i] = fmt.Sprint(value)
				}
			}
			fmt.Println(strings.Join(cells, " | "))
		}
		fmt.Println(descStyle.Render(result.CommandTag))
	}
}
