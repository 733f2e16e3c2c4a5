package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/bigbag/securefw/internal/atomicfile"
	"github.com/bigbag/securefw/internal/bundle"
	"github.com/bigbag/securefw/internal/detect"
	"github.com/bigbag/securefw/internal/frame"
	"github.com/bigbag/securefw/internal/keys"
	"github.com/bigbag/securefw/internal/protocol"
	"github.com/bigbag/securefw/internal/serial"
	"github.com/bigbag/securefw/internal/updater"
	"github.com/bigbag/securefw/internal/verifier"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	secretsFlag string
	debugFlag   bool

	// provision
	headerFlag   string
	makeVarsFlag string
	forceFlag    bool

	// protect
	infileFlag  string
	outfileFlag string
	versionFlag uint16
	messageFlag string

	// update, emulate
	portFlag             string
	baudFlag             int
	timeoutFlag          time.Duration
	frameDelayFlag       time.Duration
	handshakeRetriesFlag int
	resetFlag            bool
	currentVersionFlag   uint16
	flashBudgetFlag      int
)

var klogFlags = flag.NewFlagSet("klog", flag.ExitOnError)

func main() {
	rootCmd := &cobra.Command{
		Use:   "securefw",
		Short: "Protect and deliver firmware to a secure bootloader",
		Long: `securefw provisions the keys shared with the bootloader, turns a raw
firmware image into a signed and encrypted bundle, and streams bundles to
the bootloader over a serial line.

The bootloader only installs a bundle whose signature, padding and sizes
all verify; a failed update leaves the previous firmware in place.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debugFlag {
				return klogFlags.Set("v", "2")
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Log every frame and acknowledgment (same as -v=2)")
	addKlogFlags(rootCmd.PersistentFlags())

	// Provision command
	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Generate the keys shared with the bootloader",
		Long: `Generate a fresh AES-128 key and RSA-2048 signing key pair.

The keys are written to the secret store, which protect needs, and the
bootloader's key constants are written as a C header. Both files hold the
symmetric key and are created with mode 0600. Provisioning again makes
every previously built bundle unusable with a re-flashed bootloader, so an
existing store is only replaced with --force.`,
		Args: cobra.NoArgs,
		RunE: runProvision,
	}
	provisionCmd.Flags().StringVarP(&secretsFlag, "secrets", "s", protocol.DefaultSecretsFile, "Secret store path")
	provisionCmd.Flags().StringVar(&headerFlag, "header", protocol.DefaultHeaderFile, "Bootloader key header path")
	provisionCmd.Flags().StringVar(&makeVarsFlag, "make-vars", "", "Also write the key constants as make variables to this file")
	provisionCmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Replace an existing secret store")

	// Protect command
	protectCmd := &cobra.Command{
		Use:   "protect",
		Short: "Build a signed, encrypted bundle from a firmware image",
		Args:  cobra.NoArgs,
		RunE:  runProtect,
	}
	protectCmd.Flags().StringVarP(&infileFlag, "infile", "i", "", "Raw firmware image")
	protectCmd.Flags().StringVarP(&outfileFlag, "outfile", "o", "", "Bundle output path")
	protectCmd.Flags().Uint16VarP(&versionFlag, "version", "V", 0, "Firmware version (0 for debug builds)")
	protectCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Release message")
	protectCmd.Flags().StringVarP(&secretsFlag, "secrets", "s", protocol.DefaultSecretsFile, "Secret store path")
	protectCmd.MarkFlagRequired("infile")
	protectCmd.MarkFlagRequired("outfile")

	// Update command
	updateCmd := &cobra.Command{
		Use:   "update <bundle>",
		Short: "Send a bundle to the bootloader",
		Long: `Send a protected bundle to the bootloader over a serial port.

The bootloader acknowledges every step of the transfer. Any rejection or
missing acknowledgment aborts the update; the device keeps its previous
firmware and the update can be started again from the beginning.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpdate,
	}
	updateCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	updateCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	updateCmd.Flags().DurationVarP(&timeoutFlag, "timeout", "t", protocol.DefaultReadTimeout, "Acknowledgment timeout")
	updateCmd.Flags().DurationVar(&frameDelayFlag, "frame-delay", protocol.DefaultFrameDelay, "Delay after each payload frame")
	updateCmd.Flags().IntVar(&handshakeRetriesFlag, "handshake-retries", 9, "Extra handshake attempts before giving up")
	updateCmd.Flags().BoolVar(&resetFlag, "reset", false, "Pulse DTR to restart the board before the handshake")

	// Inspect command
	inspectCmd := &cobra.Command{
		Use:   "inspect <bundle>",
		Short: "Show and verify the contents of a bundle",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().StringVarP(&secretsFlag, "secrets", "s", protocol.DefaultSecretsFile, "Secret store path")

	// Emulate command
	emulateCmd := &cobra.Command{
		Use:   "emulate",
		Short: "Act as the bootloader on a serial port",
		Long: `Run an emulated bootloader on a serial port, for example one end of a
pseudo-terminal pair, so that updates can be tried without hardware.`,
		Args: cobra.NoArgs,
		RunE: runEmulate,
	}
	emulateCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port to serve")
	emulateCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	emulateCmd.Flags().StringVarP(&secretsFlag, "secrets", "s", protocol.DefaultSecretsFile, "Secret store path")
	emulateCmd.Flags().Uint16Var(&currentVersionFlag, "current-version", 0, "Version of the firmware installed at start")
	emulateCmd.Flags().IntVar(&flashBudgetFlag, "flash-budget", verifier.DefaultFlashBudget, "Largest ciphertext accepted, in bytes")
	emulateCmd.MarkFlagRequired("port")

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("securefw %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(provisionCmd, protectCmd, updateCmd, inspectCmd, emulateCmd, listCmd, versionCmd)

	err := rootCmd.Execute()
	klog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

// addKlogFlags exposes klog's flags (-v, --logtostderr, ...) on fs.
func addKlogFlags(fs *pflag.FlagSet) {
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
}

func runProvision(cmd *cobra.Command, args []string) error {
	s, err := keys.Generate(nil)
	if err != nil {
		return err
	}

	if err := s.Store(secretsFlag, forceFlag); err != nil {
		return err
	}
	fmt.Printf("Secret store: %s\n", secretsFlag)

	var header bytes.Buffer
	if err := keys.WriteHeader(&header, s); err != nil {
		return err
	}
	if err := atomicfile.WriteFile(headerFlag, header.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write key header: %w", err)
	}
	fmt.Printf("Key header:   %s\n", headerFlag)

	if makeVarsFlag != "" {
		vars := strings.Join(keys.MakeVariables(s), "\n") + "\n"
		if err := atomicfile.WriteFile(makeVarsFlag, []byte(vars), 0600); err != nil {
			return fmt.Errorf("failed to write make variables: %w", err)
		}
		fmt.Printf("Make vars:    %s\n", makeVarsFlag)
	}

	fmt.Println("Rebuild and flash the bootloader to use the new keys.")
	return nil
}

func runProtect(cmd *cobra.Command, args []string) error {
	s, err := keys.Load(secretsFlag)
	if err != nil {
		return fmt.Errorf("%w (run securefw provision first)", err)
	}

	firmware, err := os.ReadFile(infileFlag)
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}

	raw, err := bundle.Protect(s, firmware, versionFlag, messageFlag)
	if err != nil {
		return err
	}
	if err := bundle.WriteFile(outfileFlag, raw); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}

	fmt.Printf("Firmware: %s (%s)\n", infileFlag, humanize.IBytes(uint64(len(firmware))))
	fmt.Printf("Bundle:   %s (%s), version %d\n", outfileFlag, humanize.IBytes(uint64(len(raw))), versionFlag)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	bundlePath := args[0]

	raw, err := os.ReadFile(bundlePath)
	if err != nil {
		return fmt.Errorf("failed to read bundle: %w", err)
	}
	b, err := protocol.DecodeBundle(raw)
	if err != nil {
		return fmt.Errorf("invalid bundle %s: %w", bundlePath, err)
	}

	fmt.Printf("Bundle: %s (%s), version %d\n", bundlePath, humanize.IBytes(uint64(len(raw))), b.Metadata.Version)

	// Find or use specified port
	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.DetectPort()
		if err != nil {
			return fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found %s\n", result.Description())
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Printf("Port: %s @ %d baud\n", port.PortName(), port.BaudRate())

	if resetFlag {
		fmt.Println("Resetting device...")
		if err := port.Reset(); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bar := progressbar.NewOptions(frame.Count(len(b.Ciphertext)),
		progressbar.OptionSetDescription("Updating"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	u := updater.New(port,
		updater.WithReadTimeout(timeoutFlag),
		updater.WithFrameDelay(frameDelayFlag),
		updater.WithHandshake(0, handshakeRetriesFlag),
		updater.WithProgressCallback(func(current, total int) {
			bar.Set(current)
		}),
	)

	fmt.Println("Waiting for bootloader...")
	if err := u.SendUpdate(ctx, raw); err != nil {
		bar.Exit()
		fmt.Println()
		if errors.Is(err, updater.ErrPeerRejected) {
			fmt.Println("The device kept its previous firmware.")
		}
		return err
	}

	bar.Finish()
	fmt.Println("\nUpdate complete!")
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read bundle: %w", err)
	}

	b, err := protocol.DecodeBundle(raw)
	if err != nil {
		return err
	}

	fmt.Printf("Bundle:     %s (%s)\n", args[0], humanize.IBytes(uint64(len(raw))))
	fmt.Printf("Version:    %d\n", b.Metadata.Version)
	fmt.Printf("Plaintext:  %s\n", humanize.IBytes(uint64(b.Metadata.PlaintextSize)))
	fmt.Printf("Ciphertext: %s (%s frames)\n", humanize.IBytes(uint64(b.Metadata.CiphertextSize)),
		humanize.Comma(int64(frame.Count(len(b.Ciphertext)))))

	s, err := keys.Load(secretsFlag)
	if err != nil {
		if errors.Is(err, keys.ErrProvisioningUnavailable) {
			fmt.Printf("Signature:  not checked (%v)\n", err)
			return nil
		}
		return err
	}

	if err := bundle.VerifySignature(s.Public(), b); err != nil {
		fmt.Println("Signature:  INVALID")
		return err
	}
	fmt.Println("Signature:  valid")

	release, err := bundle.Decrypt(s, b)
	if err != nil {
		return err
	}
	fmt.Printf("Message:    %q\n", release.Message())
	return nil
}

func runEmulate(cmd *cobra.Command, args []string) error {
	s, err := keys.Load(secretsFlag)
	if err != nil {
		return err
	}

	port, err := serial.Open(portFlag, baudFlag)
	if err != nil {
		return err
	}
	defer port.Close()

	dev := verifier.New(s,
		verifier.WithCurrentVersion(currentVersionFlag),
		verifier.WithFlashBudget(flashBudgetFlag),
		verifier.WithResultCallback(func(release *bundle.Release, err error) {
			if err != nil {
				fmt.Printf("Update failed: %v\n", err)
				return
			}
			fmt.Printf("Installed version %d (%s) %q\n",
				release.Version, humanize.IBytes(uint64(len(release.Plaintext))), release.Message())
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Emulating bootloader on %s @ %d baud, version %d (Ctrl-C to stop)\n",
		port.PortName(), port.BaudRate(), currentVersionFlag)
	if err := dev.Serve(ctx, port); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	devices, err := detect.ListDevices()
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, d := range devices {
		fmt.Printf("  %s\n", d.Description())
	}

	return nil
}
