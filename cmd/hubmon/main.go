// hubmon tails a hub's websocket push channel and prints every message,
// one JSON document per line.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
)

func main() {
	host := flag.String("host", "localhost:8090", "hub host:port")
	raw := flag.Bool("raw", false, "print messages without a type prefix")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	c.WriteJSON(map[string]string{"type": "get_state"})
	c.WriteJSON(map[string]string{"type": "get_rooms_control"})

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			if *raw {
				fmt.Println(string(msg))
				continue
			}
			var head struct {
				Type string `json:"type"`
			}
			// Best effort: unknown shapes still print.
			_ = json.Unmarshal(msg, &head)
			fmt.Printf("[%s] %s\n", head.Type, msg)
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		<-done
	}
}
