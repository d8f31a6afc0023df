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
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// Client is the middleman between the websocket connection and the server
type Client struct {
	id            string
	remoteAddr    string
	server        *Server
	conn          *websocket.Conn
	msgChan       chan []byte               // Client receives msgs from channel and sends to the websocket connection
	done          chan struct{}             // closed when the client is removed
	subscriptions atomic.Pointer[BitArray] // immutable, replaced by handleSubscriptions()
	closeOnce     sync.Once
	log           zerolog.Logger
}

func newClient(server *Server, conn *websocket.Conn) *Client {
	client := &Client{
		id:         uuid.NewString(),
		remoteAddr: conn.RemoteAddr().String(),
		server:     server,
		conn:       conn,
		msgChan:    make(chan []byte, 256),
		done:       make(chan struct{}),
	}
	client.subscriptions.Store(NewBitArray(apidCount))
	client.log = server.Logger.With().Str("client", client.id).Str("remote", client.remoteAddr).Logger()
	return client
}

// ID returns the identifier assigned to the client when it connected
func (client *Client) ID() string {
	return client.id
}

// Subscriptions returns the set of apids the client receives
func (client *Client) Subscriptions() *BitArray {
	return client.subscriptions.Load()
}

func (client *Client) close() {
	client.closeOnce.Do(func() {
		close(client.done)
		if err := client.conn.Close(); err != nil {
			client.log.Debug().Err(err).Msg("error closing connection")
		}
	})
}

//
// Read Pump
//

func (client *Client) readPump() {
	for {
		messageType, p, err := client.conn.ReadMessage()
		if err != nil {
			requestRemoveClient(client)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				client.log.Warn().Err(err).Msg("websocket closed unexpectedly")
			} else {
				client.log.Info().Msg("websocket closed")
			}
			return
		} else if messageType != websocket.TextMessage {
			requestRemoveClient(client)
			client.log.Warn().Int("type", messageType).Msg("websocket received a non-text message")
			return
		}

		var msgObject map[string]interface{}
		if err := json.Unmarshal(p, &msgObject); err != nil {
			client.log.Warn().Str("message", string(p)).Msg("websocket received a message that was not a json object")
			continue
		}

		msgVerb, ok := msgObject["request"].(string)
		if !ok {
			client.log.Warn().Str("message", string(p)).Msg("websocket received a json message object with no request verb")
			continue
		}
		msgToken := msgObject["token"]

		var err1, err2 error
		switch msgVerb {
		case "ping":
			var msg GenericRequest
			err1 = json.Unmarshal(p, &msg)
			if err1 == nil {
				err2 = client.handlePing(&msg)
			}
		case "subscribe":
			var msg SubscribeRequest
			err1 = json.Unmarshal(p, &msg)
			if err1 == nil {
				err2 = client.handleSubscribe(&msg)
			}
		case "unsubscribe":
			var msg UnsubscribeRequest
			err1 = json.Unmarshal(p, &msg)
			if err1 == nil {
				err2 = client.handleUnsubscribe(&msg)
			}
		case "report-subscriptions":
			client.handleReportSubscriptions()
		default:
			err1 = fmt.Errorf("request %q has no handler", msgVerb)
		}

		if err1 != nil {
			client.log.Warn().Err(err1).Str("request", msgVerb).Msg("error parsing request")
			sendJSON(ErrorResponse{Response: msgVerb, Token: msgToken, Error: err1.Error()}, client)
		} else if err2 != nil {
			client.log.Warn().Err(err2).Str("request", msgVerb).Msg("error processing request")
			sendJSON(ErrorResponse{Response: msgVerb, Token: msgToken, Error: err2.Error()}, client)
		}
	}
}

//
// Write Pump
//

func (client *Client) writePump() {
	for {
		select {
		case <-client.done:
			return
		case msg := <-client.msgChan:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := client.conn.WriteMessage(websocket.TextMessage, msg)
			if err == websocket.ErrCloseSent {
				requestRemoveClient(client)
				return
			}
			if err != nil {
				client.log.Warn().Err(err).Msg("websocket error on write")
				requestRemoveClient(client)
				return
			}
		}
	}
}

func requestRemoveClient(client *Client) {
	select {
	case client.server.removeClientChan <- client:
	case <-client.server.quit:
	}
}

//
// Message Handlers
//

func (client *Client) handlePing(r *GenericRequest) error {
	sendJSON(GenericResponse{Response: "ping", Token: r.Token}, client)
	return nil
}

func (client *Client) handleSubscribe(r *SubscribeRequest) error {
	if len(r.APIDs) == 0 {
		return fmt.Errorf("subscribe needs at least one apid")
	}
	return client.requestSubscriptionUpdate(&updateClientSubscriptionsMsg{isAdd: true, apids: r.APIDs, client: client, token: r.Token})
}

func (client *Client) handleUnsubscribe(r *UnsubscribeRequest) error {
	if len(r.APIDs) == 0 {
		return fmt.Errorf("unsubscribe needs at least one apid")
	}
	return client.requestSubscriptionUpdate(&updateClientSubscriptionsMsg{isAdd: false, apids: r.APIDs, client: client, token: r.Token})
}

func (client *Client) requestSubscriptionUpdate(msg *updateClientSubscriptionsMsg) error {
	select {
	case client.server.updateClientSubscriptionsChan <- msg:
		return nil
	case <-client.server.quit:
		return fmt.Errorf("server is shutting down")
	}
}

func (client *Client) handleReportSubscriptions() {
	sendJSON(ReportSubscriptionsResponse{Response: "report-subscriptions", APIDs: client.Subscriptions().Members()}, client)
}

//
// Message Helper Functions
//

// send a message to one or more clients, returning how many accepted it.
// A client whose queue is full misses the message.
func send(msg []byte, clients ...*Client) int {
	sent := 0
	for _, client := range clients {
		select {
		case <-client.done:
		case client.msgChan <- msg:
			sent++
		default:
			client.server.metrics.dropped.Inc()
			client.log.Warn().Msg("client queue full, message dropped")
		}
	}
	return sent
}

// sendJSON to one or more clients
func sendJSON(msg interface{}, clients ...*Client) {
	if len(clients) < 1 {
		return
	}
	if bytes, err := json.Marshal(msg); err == nil {
		send(bytes, clients...)
	} else {
		clients[0].server.Logger.Error().Err(err).Msg("error preparing json for a message")
	}
}

//
// Public Websocket Message Templates
//

// GenericRequest is a message template.  Also used as a minimal request
type GenericRequest struct {
	Request string      `json:"request"`
	Token   interface{} `json:"token"`
}

// GenericResponse is a message template
type GenericResponse struct {
	Response string      `json:"response"`
	Token    interface{} `json:"token"`
}

// SubscribeRequest is a message template
type SubscribeRequest struct {
	Request string      `json:"request"`
	Token   interface{} `json:"token"`
	APIDs   []int       `json:"apids"`
}

// SubscribeResponse is a message template, used for both subscribe and unsubscribe
type SubscribeResponse struct {
	Response string      `json:"response"`
	Token    interface{} `json:"token"`
	Status   string      `json:"status"`
	BadAPIDs []int       `json:"bad_apids,omitempty"`
}

// UnsubscribeRequest is a message template
type UnsubscribeRequest struct {
	Request string      `json:"request"`
	Token   interface{} `json:"token"`
	APIDs   []int       `json:"apids"`
}

// ErrorResponse is a generic message template
type ErrorResponse struct {
	Response string      `json:"response"`
	Token    interface{} `json:"token"`
	Error    string      `json:"error"`
}

// ReportSubscriptionsResponse is a generic message template
type ReportSubscriptionsResponse struct {
	Response string `json:"response"`
	APIDs    []int  `json:"apids"`
}

//
// Internal Message Templates
//

type updateClientSubscriptionsMsg struct {
	client *Client
	isAdd  bool
	token  interface{}
	apids  []int
}
