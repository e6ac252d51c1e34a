package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/ipc"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	flag "github.com/spf13/pflag"
)

func main() {
	socket := flag.StringP("socket", "s", config.Default().IPC.SocketPath, "Control socket path")
	timeout := flag.DurationP("timeout", "t", 5*time.Second, "Request timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: loqa-voicectl [flags] [toggle|start|stop|status|dismiss]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := protocol.CmdToggle
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}
	if env := os.Getenv("LOQA_IPC_SOCKET_PATH"); env != "" && !flag.CommandLine.Changed("socket") {
		*socket = env
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	reply, err := ipc.SendCommand(ctx, *socket, cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loqa-voice not running:", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(reply)
	if !reply.OK {
		os.Exit(2)
	}
}
