package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/lanikai/rtcendpoint/internal/logging"
)

var signalLog = logging.DefaultLogger.WithTag("signalloop")

// offerBlock is the out-of-band payload this sample driver exchanges over
// the loopback rendezvous websocket: exactly the fields a real application
// would carry inside its own SDP-less offer, with port added so two
// processes on the same host can find each other. Signaling transport and
// encoding are external collaborators the core module never touches; this
// exists purely to drive the scenario tests from a single command-line
// tool, the same role the teacher's examples/demo websocket loop played
// for its own signaling.
type offerBlock struct {
	LocalUsername string `json:"local_username"`
	LocalPassword string `json:"local_password"`
	Port          int    `json:"port"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveOneOffer starts an HTTP server at addr, accepts exactly one
// websocket connection, writes local to it, and returns the offerBlock the
// peer sends back.
func serveOneOffer(addr string, local offerBlock) (offerBlock, error) {
	type result struct {
		block offerBlock
		err   error
	}
	done := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/offer", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			done <- result{err: errors.Wrap(err, "signalloop: upgrade")}
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(local); err != nil {
			done <- result{err: errors.Wrap(err, "signalloop: write offer")}
			return
		}

		var remote offerBlock
		if err := conn.ReadJSON(&remote); err != nil {
			done <- result{err: errors.Wrap(err, "signalloop: read offer")}
			return
		}
		done <- result{block: remote}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			signalLog.Debug("signalloop: server error: %v", err)
		}
	}()
	defer srv.Close()

	select {
	case r := <-done:
		return r.block, r.err
	case <-time.After(30 * time.Second):
		return offerBlock{}, errors.New("signalloop: timed out waiting for peer")
	}
}

// dialAndExchange connects to a peer process's serveOneOffer, trades
// offerBlocks, and returns the peer's.
func dialAndExchange(wsURL string, local offerBlock) (offerBlock, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return offerBlock{}, errors.Wrap(err, "signalloop: dial")
	}
	defer conn.Close()

	var remote offerBlock
	if err := conn.ReadJSON(&remote); err != nil {
		return offerBlock{}, errors.Wrap(err, "signalloop: read offer")
	}
	if err := conn.WriteJSON(local); err != nil {
		return offerBlock{}, errors.Wrap(err, "signalloop: write offer")
	}
	return remote, nil
}

func marshalOffer(b offerBlock) string {
	data, _ := json.Marshal(b)
	return string(data)
}
