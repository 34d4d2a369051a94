package cmd

import (
	"bufio"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
	"github.com/TFMV/beamdrop/peer"
	"github.com/TFMV/beamdrop/signaling"
	"github.com/TFMV/beamdrop/transfer"
)

var (
	peerRole      string
	peerSession   string
	peerTransport string
	autoAccept    bool
)

// peerCmd joins a session as one side of a pairing.
var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Join a session as a peer",
	Long:  "Joins an existing session through the relay, establishes the direct connection, and opens an interactive prompt for sending and receiving files.",
	RunE:  runPeer,
}

func init() {
	peerCmd.Flags().StringVar(&peerRole, "role", "pc", "Peer role: pc or mobile")
	peerCmd.Flags().StringVar(&peerSession, "session", "", "Session ID to join (required)")
	peerCmd.Flags().StringVar(&peerTransport, "transport", "socket", "Signaling transport: socket or event")
	peerCmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "Accept every received file without prompting")
	peerCmd.Flags().String("server-url", "", "Relay URL (overrides config)")
	peerCmd.Flags().String("out", "", "Download directory (overrides config)")
	viper.BindPFlag("peer.server_url", peerCmd.Flags().Lookup("server-url"))
	viper.BindPFlag("peer.download_dir", peerCmd.Flags().Lookup("out"))
	peerCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(peerCmd)
}

func runPeer(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Println("Failed to initialize logger:", err)
		return err
	}
	defer logger.Sync()

	role := common.PeerRole(peerRole)
	cfg := peer.DefaultClientConfig(viper.GetString("peer.server_url"), peerSession, role)
	cfg.Transport = signaling.Transport(peerTransport)
	if dir := viper.GetString("peer.download_dir"); dir != "" {
		cfg.DownloadDir = dir
	}

	client, err := peer.NewClient(logger, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	wireConsole(client)

	if err := client.Connect(); err != nil {
		return err
	}
	fmt.Printf("Joined session %s as %s. Type 'help' for commands.\n", peerSession, role)

	return console(client)
}

// wireConsole attaches the callbacks that narrate transfer activity on
// stdout. Installed once; the client re-applies them across reconnects.
func wireConsole(client *peer.Client) {
	var (
		barMu    sync.Mutex
		bar      *progressbar.ProgressBar
		barEntry *transfer.QueueEntry
	)

	client.OnTransferProgress(func(entry *transfer.QueueEntry, sent, total int) {
		barMu.Lock()
		defer barMu.Unlock()
		if barEntry != entry {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(entry.Name),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
			barEntry = entry
		}
		bar.Set(sent)
	})

	client.OnTransferStatus(func(entry *transfer.QueueEntry) {
		switch entry.Status() {
		case transfer.StatusSent:
			fmt.Printf("Sent %s (%d bytes)\n", entry.Name, entry.Size)
		case transfer.StatusError:
			fmt.Printf("Failed %s: %s\n", entry.Name, entry.Err())
		}
	})

	client.Receiver().OnReceived(func(f *transfer.ReceivedFile) {
		if autoAccept {
			if err := client.Receiver().Accept(f.ID); err != nil {
				fmt.Printf("Failed to save %s: %v\n", f.Name, err)
				return
			}
			fmt.Printf("Received and saved %s (%d bytes)\n", f.Name, f.Size)
			return
		}
		fmt.Printf("Incoming file %s (%d bytes). Use 'accept %s' or 'reject %s'.\n", f.Name, f.Size, f.ID, f.ID)
	})

	client.OnPeerState(func(state peer.State) {
		fmt.Printf("Connection %s\n", state)
	})
}

// console reads commands from stdin until quit or EOF.
func console(client *peer.Client) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "help":
			fmt.Println("Commands: send <path>, files, accept <id|all>, reject <id|all>, cancel, clear, reconnect, picker, bg, fg, status, quit")
		case "send":
			if len(fields) < 2 {
				fmt.Println("Usage: send <path>")
				continue
			}
			if err := queueFromDisk(client, strings.Join(fields[1:], " ")); err != nil {
				fmt.Println("Error:", err)
			}
		case "files":
			listFiles(client)
		case "accept":
			if len(fields) < 2 {
				fmt.Println("Usage: accept <id|all>")
				continue
			}
			disposeFile(client, fields[1], true)
		case "reject":
			if len(fields) < 2 {
				fmt.Println("Usage: reject <id|all>")
				continue
			}
			disposeFile(client, fields[1], false)
		case "cancel":
			client.CancelTransfers()
			fmt.Println("Cancelled queued transfers.")
		case "clear":
			n := client.Receiver().ClearProcessed()
			fmt.Printf("Cleared %d processed files.\n", n)
		case "reconnect":
			client.Reconnect()
		case "picker":
			client.Controller().NotePickerOpened()
			fmt.Println("Picker grace window started.")
		case "bg":
			client.Controller().SetBackgrounded(true)
		case "fg":
			client.Controller().SetBackgrounded(false)
		case "status":
			fmt.Printf("Phase: %s\n", client.Controller().Phase())
			if e := client.Engine(); e != nil {
				fmt.Printf("Queued transfers: %d\n", e.QueueLength())
			}
		case "quit", "exit":
			return nil
		default:
			fmt.Println("Unknown command. Type 'help'.")
		}
	}
}

func queueFromDisk(client *peer.Client, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fileType := mime.TypeByExtension(filepath.Ext(path))
	if fileType == "" {
		fileType = "application/octet-stream"
	}
	entry, err := client.QueueFile(filepath.Base(path), fileType, data)
	if err != nil {
		return err
	}
	fmt.Printf("Queued %s (%d bytes)\n", entry.Name, entry.Size)
	return nil
}

func listFiles(client *peer.Client) {
	files := client.Receiver().Files()
	if len(files) == 0 {
		fmt.Println("No received files.")
		return
	}
	for _, f := range files {
		fmt.Printf("%s  %s  %d bytes  [%s]\n", f.ID, f.Name, f.Size, f.Disposition)
	}
}

func disposeFile(client *peer.Client, id string, accept bool) {
	var err error
	switch {
	case id == "all" && accept:
		err = client.Receiver().AcceptAll()
	case id == "all":
		client.Receiver().RejectAll()
	case accept:
		err = client.Receiver().Accept(id)
	default:
		err = client.Receiver().Reject(id)
	}
	if err != nil {
		fmt.Println("Error:", err)
	}
}
