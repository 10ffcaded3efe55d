// handlers.go implements the command handlers against the runtime
// container.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/hotaru-ai/hotaru/internal/runtime"
)

// withRuntime starts a runtime for dir, runs fn, and shuts down.
func withRuntime(ctx context.Context, dir string, debug bool, fn func(ctx context.Context, rt *runtime.Runtime) error) error {
	logger := setupLogger(debug)
	rt, err := runtime.Start(ctx, runtime.Options{Directory: dir, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Shutdown(context.Background())
	return fn(rt.Bind(ctx), rt)
}

func runServe(ctx context.Context, dir string, debug bool) error {
	return withRuntime(ctx, dir, debug, func(ctx context.Context, rt *runtime.Runtime) error {
		fmt.Printf("hotaru serving %s (health: %s)\n", rt.Directory, rt.Health())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			fmt.Printf("received %s, shutting down\n", sig)
		case <-ctx.Done():
		}
		return nil
	})
}

func runMCPStatus(ctx context.Context, dir string) error {
	return withRuntime(ctx, dir, false, func(ctx context.Context, rt *runtime.Runtime) error {
		states := rt.MCP.States()
		if len(states) == 0 {
			fmt.Println("no MCP servers configured")
			return nil
		}
		for _, state := range states {
			line := fmt.Sprintf("%-20s %s", state.Name, state.Status)
			if state.Error != "" {
				line += "  (" + state.Error + ")"
			}
			fmt.Println(line)
		}
		return nil
	})
}

func runMCPConnect(ctx context.Context, dir, name string) error {
	return withRuntime(ctx, dir, false, func(ctx context.Context, rt *runtime.Runtime) error {
		if err := rt.MCP.Connect(ctx, name); err != nil {
			return fmt.Errorf("connect %s: %w", name, err)
		}
		fmt.Printf("%s connected\n", name)
		return nil
	})
}

func runMCPDisconnect(ctx context.Context, dir, name string) error {
	return withRuntime(ctx, dir, false, func(ctx context.Context, rt *runtime.Runtime) error {
		if err := rt.MCP.Disconnect(ctx, name); err != nil {
			return fmt.Errorf("disconnect %s: %w", name, err)
		}
		fmt.Printf("%s disconnected\n", name)
		return nil
	})
}

func runMCPAuth(ctx context.Context, dir, name string) error {
	return withRuntime(ctx, dir, false, func(ctx context.Context, rt *runtime.Runtime) error {
		fmt.Printf("starting OAuth flow for %s; a browser window should open\n", name)
		if err := rt.MCP.Authenticate(ctx, name); err != nil {
			return fmt.Errorf("authenticate %s: %w", name, err)
		}
		fmt.Printf("%s authenticated\n", name)
		return nil
	})
}

func runMCPLogout(ctx context.Context, dir, name string) error {
	return withRuntime(ctx, dir, false, func(ctx context.Context, rt *runtime.Runtime) error {
		if err := rt.MCP.Logout(ctx, name); err != nil {
			return fmt.Errorf("logout %s: %w", name, err)
		}
		fmt.Printf("%s logged out\n", name)
		return nil
	})
}

func runLSPDiagnostics(ctx context.Context, dir, file string) error {
	return withRuntime(ctx, dir, false, func(ctx context.Context, rt *runtime.Runtime) error {
		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		rt.LSP.TouchFile(ctx, abs, true)

		byFile := rt.LSP.Diagnostics()
		if len(byFile) == 0 {
			fmt.Println("no diagnostics")
			return nil
		}
		files := make([]string, 0, len(byFile))
		for f := range byFile {
			files = append(files, f)
		}
		sort.Strings(files)
		for _, f := range files {
			fmt.Printf("%s:\n", f)
			for _, d := range byFile[f] {
				fmt.Printf("  %s\n", d.Render())
			}
		}
		return nil
	})
}
