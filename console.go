package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"
)

const consoleHelp = `Commands:
  status   show the device connection state
  last     show the last relayed reading
  poll     trigger an immediate poll cycle
  help     show this help
  exit     stop the bridge`

// consoleWorker runs the interactive console. A manual poll is handed to the
// poll worker over pollNow, so it runs on the same single timeline as the
// scheduled cycles.
func consoleWorker(
	ctx context.Context,
	cancel context.CancelFunc,
	manager *ConnectionManager,
	state *bridgeState,
	pollNow chan<- struct{},
	log *zap.Logger,
) {
	rl, err := readline.New("wican> ")
	if err != nil {
		log.Error("failed to start console", zap.Error(err))
		return
	}
	defer rl.Close()

	// Unblock Readline when the process shuts down underneath us.
	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			// Closed on shutdown, or the user hit ^D/^C.
			return
		}

		switch strings.TrimSpace(line) {
		case "":

		case "status":
			status := manager.State()
			if lastErr := manager.LastError(); lastErr != nil && status != StateConnected {
				fmt.Printf("connection: %s (%v)\n", status, lastErr)
			} else {
				fmt.Printf("connection: %s\n", status)
			}

		case "last":
			reading, at := state.Last()
			if reading == nil {
				fmt.Println("no reading relayed yet")
				break
			}
			fmt.Printf("soc=%.1f%% energy=%.0fWh capacity=%.0fWh sampled=%s relayed=%s\n",
				reading.SOCPercent,
				reading.EnergyWh,
				reading.CapacityWh,
				reading.Timestamp.Format("15:04:05"),
				at.Format("15:04:05"))

		case "poll":
			select {
			case pollNow <- struct{}{}:
				fmt.Println("poll scheduled")
			default:
				fmt.Println("poll already pending")
			}

		case "help":
			fmt.Println(consoleHelp)

		case "exit", "quit":
			cancel()
			return

		default:
			fmt.Printf("unknown command %q, try 'help'\n", strings.TrimSpace(line))
		}
	}
}
