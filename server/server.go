// Copyright © 2018 NAME HERE <EMAIL ADDRESS>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Costigan/ccsdsframe/ccsds"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Version is reported by /report
const Version = "0.2"

// apidCount is the number of distinct 11 bit APIDs
const apidCount = int(ccsds.MaxAPID) + 1

var ErrNotInitialized = errors.New("server: not initialized")

//
// Server
//

// Server frames CCSDS packets out of an ingest stream and distributes them to
// realtime websocket clients by APID
type Server struct {
	// Configuration
	Host string
	Port int

	IngestPrefix    string // websocket accepting binary stream data
	WebsocketPrefix string // websocket for realtime clients

	Config ccsds.Config
	Logger zerolog.Logger

	// Framing state, guarded by feedMu
	feedMu sync.Mutex
	framer *ccsds.Framer
	offset int // where the primary header starts in a framed packet

	// Internal state
	clients             atomic.Pointer[map[string]*Client] // immutable, replaced by handleSubscriptions()
	packetDispatchTable [apidCount]atomic.Pointer[apidDispatch]
	metrics             *metrics

	// Channels
	packetChan chan *packetEvent // framed packets

	addClientChan                 chan *Client
	removeClientChan              chan *Client
	updateClientSubscriptionsChan chan *updateClientSubscriptionsMsg // add/remove subscriptions

	StopRequest chan os.Signal
	quit        chan struct{}
	closeOnce   sync.Once
}

// Init prepares defaults, creates the framer and starts the background goroutines.
// It must be called before Router, Feed or Run.
func (server *Server) Init() error {
	// Prepare defaults
	if server.Port == 0 {
		server.Port = 8000
	}
	// The default server.Host is ""
	if server.IngestPrefix == "" {
		server.IngestPrefix = "/ingest"
	}
	if server.WebsocketPrefix == "" {
		server.WebsocketPrefix = "/realtime/"
	}

	framer, err := ccsds.NewFramer(server.Config)
	if err != nil {
		return err
	}
	framer.SetLogger(server.Logger)
	server.framer = framer
	server.offset = server.Config.PacketOffset()

	// Initialize channels
	server.clients.Store(&map[string]*Client{})
	server.packetChan = make(chan *packetEvent, 300)
	server.addClientChan = make(chan *Client, 20)
	server.removeClientChan = make(chan *Client, 20)
	server.updateClientSubscriptionsChan = make(chan *updateClientSubscriptionsMsg, 20)
	server.StopRequest = make(chan os.Signal, 2)
	server.quit = make(chan struct{})
	server.metrics = newMetrics(server)

	// add/remove clients, update subscriptions
	go server.handleSubscriptions()
	go server.packetPump()
	return nil
}

// Router returns the handler for every endpoint the server offers
func (server *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		server.handleReport(w, r)
	}).Methods("GET")

	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		server.handleStatus(w, r)
	}).Methods("GET")

	router.Handle("/metrics", promhttp.HandlerFor(server.metrics.registry, promhttp.HandlerOpts{})).Methods("GET")

	router.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		server.handleShutdown(w, r)
	}).Methods("GET")

	// WebSockets
	router.HandleFunc(server.IngestPrefix, func(w http.ResponseWriter, req *http.Request) {
		server.serveIngest(w, req)
	})
	router.HandleFunc(server.WebsocketPrefix, func(w http.ResponseWriter, req *http.Request) {
		server.serveWS(w, req)
	})

	return router
}

// Run serves until an interrupt or a /shutdown request arrives
func (server *Server) Run() error {
	if server.framer == nil {
		if err := server.Init(); err != nil {
			return err
		}
	}
	defer server.Close()

	addr := fmt.Sprintf("%s:%d", server.Host, server.Port)
	h := &http.Server{Addr: addr, Handler: server.Router()}

	// Receive interrupts and shut down gracefully
	signal.Notify(server.StopRequest, os.Interrupt)
	defer signal.Stop(server.StopRequest)

	// Run the server
	errChan := make(chan error, 1)
	go func() {
		server.Logger.Info().Str("addr", addr).Msg("listening")
		err := h.ListenAndServe()
		if err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	case sig := <-server.StopRequest:
		server.Logger.Info().Stringer("signal", sig).Msg("shutting down the server")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	server.Logger.Info().Msg("server gracefully stopped")
	return nil
}

// Close stops the background goroutines and disconnects every client
func (server *Server) Close() {
	server.closeOnce.Do(func() {
		close(server.quit)
		for _, client := range *server.clients.Load() {
			client.close()
		}
	})
}

//
// Framing
//

// Feed pushes stream bytes into the framer and hands every complete packet to the
// packet pump. It returns the number of packets framed. Feed is safe to call from
// several goroutines.
func (server *Server) Feed(data []byte) (int, error) {
	if server.framer == nil {
		return 0, ErrNotInitialized
	}
	server.metrics.ingestBytes.Add(float64(len(data)))

	server.feedMu.Lock()
	defer server.feedMu.Unlock()

	server.framer.Recv(data)
	count := 0
	for {
		packet := server.framer.Pull()
		if packet == nil {
			break
		}
		event, err := server.newPacketEvent(packet)
		if err != nil {
			server.Logger.Warn().Err(err).Msg("framed packet without a header")
			continue
		}
		count++
		server.metrics.packets.WithLabelValues(strconv.Itoa(event.APID)).Inc()
		select {
		case server.packetChan <- event:
		case <-server.quit:
			return count, nil
		}
	}
	return count, nil
}

func (server *Server) newPacketEvent(packet []byte) (*packetEvent, error) {
	h, err := ccsds.DecodeHeader(packet[server.offset:], server.Config.ByteOrder())
	if err != nil {
		return nil, err
	}
	return &packetEvent{
		Response:      "packet",
		APID:          int(h.APID()),
		PacketType:    h.PacketType().String(),
		SequenceFlag:  h.SequenceFlag().String(),
		SequenceCount: int(h.SequenceCount()),
		Length:        int(h.PacketLength()),
		Data:          packet,
	}, nil
}

// FramerStatus is a snapshot of the framer's counters
type FramerStatus struct {
	Status   string `json:"status"`
	Buffered int    `json:"buffered"`
	Pulled   uint64 `json:"pulled"`
	Skipped  uint64 `json:"skipped"`
}

// FramerStatus returns the current framer counters
func (server *Server) FramerStatus() FramerStatus {
	server.feedMu.Lock()
	defer server.feedMu.Unlock()
	return FramerStatus{
		Status:   server.framer.Status().String(),
		Buffered: server.framer.Buffered(),
		Pulled:   server.framer.Pulled(),
		Skipped:  server.framer.Skipped(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (server *Server) serveWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		server.Logger.Warn().Err(err).Msg("realtime upgrade failed")
		return
	}
	client := newClient(server, conn)
	// a closed server takes no new clients
	select {
	case <-server.quit:
		client.close()
		return
	default:
	}
	select {
	case server.addClientChan <- client:
	case <-server.quit:
		client.close()
	}
}

// serveIngest feeds every binary message on the connection to the framer
func (server *Server) serveIngest(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		server.Logger.Warn().Err(err).Msg("ingest upgrade failed")
		return
	}
	defer conn.Close()
	log := server.Logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Info().Msg("ingest connected")
	for {
		messageType, p, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("ingest closed unexpectedly")
			} else {
				log.Info().Msg("ingest closed")
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			log.Warn().Int("type", messageType).Msg("ingest ignored a non-binary message")
			continue
		}
		if _, err := server.Feed(p); err != nil {
			log.Error().Err(err).Msg("ingest feed failed")
			return
		}
	}
}

//
// Handle Subscriptions
//

// All management of subscriptions is centralized here. Client maps and
// dispatch entries are never modified once published, only replaced, so the
// packet pump can read them without locking.

func (server *Server) handleSubscriptions() {
	for {
		select {
		case <-server.quit:
			return

		case client := <-server.addClientChan:
			// add a client
			oldClientMap := *server.clients.Load()
			newClientMap := make(map[string]*Client, len(oldClientMap)+1)
			for id, oldclient := range oldClientMap {
				newClientMap[id] = oldclient
			}
			newClientMap[client.id] = client
			server.clients.Store(&newClientMap)
			// No need to touch the dispatch table

			server.Logger.Info().Str("client", client.id).Str("remote", client.remoteAddr).Msg("realtime client connected")
			go client.writePump()
			go client.readPump()

		case client := <-server.removeClientChan:
			oldClientMap := *server.clients.Load()
			if _, ok := oldClientMap[client.id]; !ok {
				continue
			}
			client.close()

			// remove a client; rebuild dispatch table
			newClientMap := make(map[string]*Client, len(oldClientMap))
			for id, oldclient := range oldClientMap {
				if oldclient != client {
					newClientMap[id] = oldclient
				}
			}
			server.clients.Store(&newClientMap)
			server.Logger.Info().Str("client", client.id).Msg("realtime client removed")

			// Update all apid subscriptions this client had
			server.rebuildApidDispatch(client.Subscriptions().Members())

		case msg := <-server.updateClientSubscriptionsChan:
			// Process a subscription request from a client
			server.Logger.Debug().Str("client", msg.client.id).Bool("add", msg.isAdd).Ints("apids", msg.apids).Msg("(un)subscribe")

			newSubscriptions := msg.client.Subscriptions().Copy()
			touched := make([]int, 0, len(msg.apids))
			badAPIDs := make([]int, 0)
			for _, apid := range msg.apids {
				var err error
				if msg.isAdd {
					err = newSubscriptions.SetBit(apid)
				} else {
					err = newSubscriptions.ClearBit(apid)
				}
				if err != nil {
					badAPIDs = append(badAPIDs, apid)
					continue
				}
				touched = append(touched, apid)
			}
			msg.client.subscriptions.Store(newSubscriptions)
			server.rebuildApidDispatch(touched)

			// Generate a response to the client
			response := SubscribeResponse{Token: msg.token, Status: "success"}
			if msg.isAdd {
				response.Response = "subscribe"
			} else {
				response.Response = "unsubscribe"
			}
			if len(badAPIDs) > 0 {
				response.Status = "error"
				response.BadAPIDs = badAPIDs
			}
			sendJSON(response, msg.client)
		}
	}
}

// rebuildApidDispatch recomputes the dispatch entries of the given apids from the current clients
func (server *Server) rebuildApidDispatch(apids []int) {
	clients := *server.clients.Load()
	for _, apid := range apids {
		if apid < 0 || apid >= apidCount {
			continue
		}
		subscribers := make([]*Client, 0, len(clients))
		for _, client := range clients {
			if client.Subscriptions().GetBit(apid) {
				subscribers = append(subscribers, client)
			}
		}
		if len(subscribers) == 0 {
			// No subscriptions for this apid
			server.packetDispatchTable[apid].Store(nil)
		} else {
			server.packetDispatchTable[apid].Store(&apidDispatch{clients: subscribers})
		}
	}
}

// One of these is stored in each element of the dispatch table. Entries are
// never modified, only replaced.
type apidDispatch struct {
	clients []*Client
}

//
// Realtime Packet Distribution
//

func (server *Server) packetPump() {
	for {
		select {
		case <-server.quit:
			return
		case event := <-server.packetChan:
			dispatch := server.packetDispatchTable[event.APID].Load() // Refetch the table every time
			if dispatch == nil {
				continue
			}
			msg, err := json.Marshal(event)
			if err != nil {
				server.Logger.Error().Err(err).Int("apid", event.APID).Msg("error preparing json for a packet")
				continue
			}
			server.metrics.dispatched.Add(float64(send(msg, dispatch.clients...)))
		}
	}
}

// packetEvent is sent to realtime clients subscribed to the packet's apid
type packetEvent struct {
	Response      string `json:"response"`
	APID          int    `json:"apid"`
	PacketType    string `json:"packet_type"`
	SequenceFlag  string `json:"sequence_flag"`
	SequenceCount int    `json:"sequence_count"`
	Length        int    `json:"length"`
	Data          []byte `json:"data"`
}

//
// HandleReport
//

func (server *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	clients := *server.clients.Load()
	connections := make([]ReportWebsocketConnection, 0, len(clients))
	for _, client := range clients {
		apids := client.Subscriptions().Members()
		connections = append(connections, ReportWebsocketConnection{ID: client.id, Address: client.remoteAddr, SubscriptionCount: len(apids), APIDs: apids})
	}

	response := ReportTemplate{Version: Version, Framer: server.FramerStatus(), Connections: connections, ConnectionCount: len(connections)}
	prepareHeader(w, r)
	json.NewEncoder(w).Encode(response)
}

func (server *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	prepareHeader(w, r)
	json.NewEncoder(w).Encode(server.FramerStatus())
}

//
// HandleShutdown
//

func (server *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	select {
	case server.StopRequest <- &FakeInterrupt{}:
	default:
	}
	prepareHeader(w, r)
	json.NewEncoder(w).Encode(GenericResponse{Response: "shutdown"})
}

// FakeInterrupt is for mocking the server shutdown message
type FakeInterrupt struct{}

// String is needed to match an interrupt's interface
func (f *FakeInterrupt) String() string { return "fake interrupt" }

// Signal is needed to match an interrupt's interface
func (f FakeInterrupt) Signal() {}

func prepareHeader(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Add("Content-Type", "application/json")
}

//
// Public REST Message Templates
//

// ReportTemplate is a message template
type ReportTemplate struct {
	Version         string                      `json:"version"`
	Framer          FramerStatus                `json:"framer"`
	Connections     []ReportWebsocketConnection `json:"connections"`
	ConnectionCount int                         `json:"connection_count"`
}

// ReportWebsocketConnection is part of a message template
type ReportWebsocketConnection struct {
	ID                string `json:"id"`
	Address           string `json:"address"`
	SubscriptionCount int    `json:"subscription_count"`
	APIDs             []int  `json:"apids"`
}
