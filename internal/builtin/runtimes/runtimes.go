// Package runtimes is the built-in extension that registers the stock bot
// runtime templates: the C# Azure web app runtime (the default) and the
// Node Express runtime.
//
// Each template can eject its scaffolding into a project directory, build
// the result, and start it. Build and run shell out to the respective
// toolchains; a missing toolchain surfaces as an error from the command,
// not as a panic.
package runtimes

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/convobuild/extensions/internal/extension"
	"github.com/convobuild/extensions/internal/fsutil"
)

// NodeRuntimeKey identifies the Node Express runtime template.
const NodeRuntimeKey = "node-azurewebapp"

// Config points the templates at their scaffolding directories.
type Config struct {
	// CSharpTemplateDir holds the C# runtime scaffolding.
	CSharpTemplateDir string
	// NodeTemplateDir holds the Node runtime scaffolding.
	NodeTemplateDir string
}

// Extension is the native extension entry point.
type Extension struct {
	cfg Config
	log *zap.Logger
}

// New creates the extension. A nil logger is replaced with a no-op.
func New(cfg Config, log *zap.Logger) *Extension {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extension{cfg: cfg, log: log}
}

// Initialize registers both runtime templates. Registration fails when
// another extension already claimed one of the keys.
func (e *Extension) Initialize(r *extension.Registration) error {
	if err := r.AddRuntimeTemplate(e.csharpTemplate()); err != nil {
		return err
	}
	return r.AddRuntimeTemplate(e.nodeTemplate())
}

func (e *Extension) csharpTemplate() extension.RuntimeTemplate {
	return extension.RuntimeTemplate{
		Key:          extension.DefaultRuntimeKey,
		Name:         "C# Azure Web App",
		StartCommand: "dotnet run --project azurewebapp",
		Path:         e.cfg.CSharpTemplateDir,
		Eject:        e.eject(e.cfg.CSharpTemplateDir),
		Build: func(ctx context.Context, project *extension.BotProject) error {
			return e.runCommand(ctx, project.Dir, "dotnet", "build")
		},
		Run: func(ctx context.Context, project *extension.BotProject) error {
			return e.runCommand(ctx, project.Dir, "dotnet", "run", "--project", "azurewebapp")
		},
		BuildDeploy: func(ctx context.Context, project *extension.BotProject, settings map[string]any) (string, error) {
			args := []string{"publish", "--configuration", "Release"}
			if out, ok := settings["outputDir"].(string); ok && out != "" {
				args = append(args, "--output", out)
			}
			if err := e.runCommand(ctx, project.Dir, "dotnet", args...); err != nil {
				return "", err
			}
			return project.Dir, nil
		},
	}
}

func (e *Extension) nodeTemplate() extension.RuntimeTemplate {
	return extension.RuntimeTemplate{
		Key:          NodeRuntimeKey,
		Name:         "Node Express Web App",
		StartCommand: "node azurewebapp/lib/index.js",
		Path:         e.cfg.NodeTemplateDir,
		Eject:        e.eject(e.cfg.NodeTemplateDir),
		Build: func(ctx context.Context, project *extension.BotProject) error {
			return e.runCommand(ctx, project.Dir, "npm", "ci")
		},
		Run: func(ctx context.Context, project *extension.BotProject) error {
			return e.runCommand(ctx, project.Dir, "node", "azurewebapp/lib/index.js")
		},
		BuildDeploy: func(ctx context.Context, project *extension.BotProject, settings map[string]any) (string, error) {
			if err := e.runCommand(ctx, project.Dir, "npm", "ci"); err != nil {
				return "", err
			}
			if err := e.runCommand(ctx, project.Dir, "npm", "run", "build"); err != nil {
				return "", err
			}
			return project.Dir, nil
		},
	}
}

// eject builds the copy step for one template directory.
func (e *Extension) eject(templateDir string) func(context.Context, *extension.BotProject, string) (string, error) {
	return func(_ context.Context, project *extension.BotProject, dst string) (string, error) {
		if templateDir == "" {
			return "", fmt.Errorf("runtime template directory is not configured")
		}
		if err := fsutil.CopyDir(templateDir, dst); err != nil {
			return "", fmt.Errorf("failed to eject runtime: %w", err)
		}
		e.log.Info("runtime ejected",
			zap.String("project", project.ID), zap.String("dst", dst))
		return dst, nil
	}
}

// runCommand executes a toolchain command in dir, folding captured stderr
// into the error on failure.
func (e *Extension) runCommand(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.log.Debug("running runtime command",
		zap.String("command", name), zap.Strings("args", args), zap.String("dir", dir))

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}
