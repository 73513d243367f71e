package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/raftd/internal/eventpipe"
	"github.com/cuemby/raftd/internal/kvapp"
	"github.com/cuemby/raftd/internal/peerdir"
	"github.com/cuemby/raftd/internal/raftclient"
	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/raftnet"
	"github.com/cuemby/raftd/internal/wire"
)

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "replicate a key/value write",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(kvapp.EncodeSet(args[0], args[1]))
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "read a key through the replicated log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(kvapp.EncodeGet(args[0]))
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "replicate a key delete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSubmit(kvapp.EncodeDelete(args[0]))
	},
}

// runSubmit dials the configured group, submits req as one blocking
// sub-app request, and prints whatever reply payload comes back
// (spec.md §4.G: a blocking Submit call returns once the sub-app is
// ready or times out).
func runSubmit(req []byte) error {
	if flagGroup == "" || flagPeers == "" {
		return fmt.Errorf("raftctl: --group and --peers are required")
	}
	groupID, err := raftid.ParseRaftId(flagGroup)
	if err != nil {
		return err
	}
	dir, err := peerdir.LoadStaticDirectory(flagPeers)
	if err != nil {
		return err
	}
	peers, err := dir.Peers(groupID)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return fmt.Errorf("raftctl: group %s has no peers configured", groupID)
	}

	clientUUID := uuid.New()
	sock, err := wire.Listen("0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("raftctl: open local socket: %w", err)
	}
	defer sock.Close()

	netLayer := raftnet.New(raftid.PeerId(clientUUID), groupID, dir, sock)
	pipe, err := eventpipe.New()
	if err != nil {
		return err
	}
	defer pipe.Close()

	cc := raftclient.Config{
		ClientTimer:    10 * time.Millisecond,
		StaleServer:    100 * time.Millisecond,
		RetryTimeout:   20 * time.Millisecond,
		RequestsPerSec: 1000,
		PingsToViable:  4,
		MaxSubApps:     64,
	}
	client := raftclient.New(cc, groupID, clientUUID, dir, netLayer, pipe)
	client.AdoptRedirect(peers[0].ID)

	stop := make(chan struct{})
	go recvLoop(client, netLayer, stop)
	go pumpLoop(client, pipe, stop)
	defer close(stop)

	rncui := raftid.RNCUI{UUID: uuid.New()}
	replyBuf := make([]byte, 4096)
	timeout := time.Duration(flagTimeout) * time.Millisecond

	subapp, err := client.Submit(rncui, req, replyBuf, true, timeout, nil)
	if err != nil {
		return fmt.Errorf("raftctl: submit: %w", err)
	}
	if subapp.Err() != nil {
		return fmt.Errorf("raftctl: request failed: %w", subapp.Err())
	}
	fmt.Println(string(replyBuf[:subapp.ReplyUsedSize()]))
	return nil
}

// recvLoop reads every reply datagram and routes it into the client
// instance: Redirect updates the believed leader, anything else
// completes the matching sub-app by msg_id.
func recvLoop(client *raftclient.Client, netLayer *raftnet.Layer, stop chan struct{}) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-stop:
			return
		default:
		}
		e, _, err := netLayer.Recv(buf)
		if err != nil {
			continue
		}
		switch e.Type {
		case raftnet.MsgRedirect:
			if len(e.Data) == 16 {
				var id [16]byte
				copy(id[:], e.Data)
				client.AdoptRedirect(raftid.PeerId(id))
			}
		case raftnet.MsgPingRep:
			client.HandlePingReply(e.SenderID, e.SysError)
		case raftnet.MsgClientRep:
			var appErr error
			if e.AppError != 0 {
				appErr = fmt.Errorf("raftctl: application error %d", e.AppError)
			}
			_ = client.CompleteReply(e.MsgID, e.Data, appErr)
		}
	}
}

// pumpLoop drives the sender side a dedicated event-loop thread would
// otherwise own: flush the send queue, run the retry scan, drain the
// wakeup pipe. A one-shot CLI has no epoll loop to hang this off of,
// so it is a plain ticker instead (spec.md §4.G's scheduling, not its
// transport).
func pumpLoop(client *raftclient.Client, pipe *eventpipe.Pipe, stop chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = client.DequeueAndSend()
			_ = client.RunRetryScan(time.Now())
			_ = pipe.Drain()
		}
	}
}
