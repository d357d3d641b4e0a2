package main

import (
	"context"
	"fmt"
	"os"

	"jhol/pkg/config"
	"jhol/pkg/install"
	"jhol/pkg/manifest"
	"jhol/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "init":
		handleInit()
	case "install":
		handleInstall(args)
	case "upgrade":
		handleUpgrade()
	case "uninstall":
		handleUninstall(args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func handleInit() {
	if _, err := os.Stat(config.ManifestFile); !os.IsNotExist(err) {
		fmt.Println("package.json already exists.")
		return
	}
	m := &types.Manifest{
		Name:         "my-project",
		Version:      "0.1.0",
		Dependencies: make(map[string]string),
	}
	if err := manifest.Save(m); err != nil {
		fmt.Printf("Error creating package.json: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Initialized empty project (created package.json).")
}

func handleInstall(args []string) {
	args, frozen := extractFrozenFlag(args)

	if len(args) > 0 {
		name, rng := manifest.PackageNameFromSpec(args[0])
		m, err := manifest.Load()
		if err != nil {
			fmt.Printf("Error loading package.json, did you run 'jhol init'?: %v\n", err)
			os.Exit(1)
		}
		if m.Dependencies == nil {
			m.Dependencies = make(map[string]string)
		}
		m.Dependencies[name] = rng
		if err := manifest.Save(m); err != nil {
			fmt.Printf("Error updating package.json: %v\n", err)
			os.Exit(1)
		}
	}

	runPipeline(frozen)
}

func handleUpgrade() {
	fmt.Println("Resolving against latest versions satisfying package.json...")
	runPipeline(false)
}

func handleUninstall(args []string) {
	if len(args) == 0 {
		fmt.Println("Error: uninstall command requires a package name.")
		printUsage()
		os.Exit(1)
	}
	name := args[0]

	m, err := manifest.Load()
	if err != nil {
		fmt.Printf("Error loading package.json: %v\n", err)
		os.Exit(1)
	}
	if _, ok := m.Dependencies[name]; !ok {
		fmt.Printf("Package %s not found in package.json\n", name)
		os.Exit(1)
	}
	delete(m.Dependencies, name)
	if err := manifest.Save(m); err != nil {
		fmt.Printf("Error updating package.json: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Re-resolving dependencies after uninstall...")
	runPipeline(false)
}

// runPipeline builds a Pipeline from the environment and runs it in
// whichever of Normal/Frozen/Offline applies: Offline whenever
// JHOL_OFFLINE is set, Frozen when the caller passed --frozen, Normal
// otherwise.
func runPipeline(frozen bool) {
	cfg := config.FromEnviron()
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	p, err := install.New(cfg, cwd)
	if err != nil {
		fmt.Printf("Error setting up install pipeline: %v\n", err)
		os.Exit(1)
	}

	mode := install.ModeNormal
	switch {
	case cfg.Offline:
		mode = install.ModeOffline
	case frozen:
		mode = install.ModeFrozen
	}

	result, err := p.Install(context.Background(), mode)
	if err != nil {
		fmt.Printf("Install failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Installed %d packages (%s mode, %d solver nodes visited)\n", len(result.Packages), result.Mode, result.Stats.NodesVisited)
}

func extractFrozenFlag(args []string) (remaining []string, frozen bool) {
	for _, a := range args {
		if a == "--frozen" {
			frozen = true
			continue
		}
		remaining = append(remaining, a)
	}
	return remaining, frozen
}

func printUsage() {
	fmt.Println("Usage: jhol <command> [arguments]")
	fmt.Println("\nCommands:")
	fmt.Println("  init                    Initialize a new project (creates package.json)")
	fmt.Println("  install                 Install all dependencies from package.json")
	fmt.Println("  install <name[@range]>  Add a dependency and install")
	fmt.Println("  install --frozen        Install strictly from package-lock.json")
	fmt.Println("  upgrade                 Re-resolve to the latest versions package.json allows")
	fmt.Println("  uninstall <name>        Remove a dependency from the project")
}
