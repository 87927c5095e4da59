// BMS bridge listens passively on the Seplos battery RS-485 bus, decodes the
// inverter/battery traffic and republishes telemetry over MQTT, HTTP and
// websockets.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sm2669/seplos-bms-mqtt/pkg/busdecoder"
	"github.com/sm2669/seplos-bms-mqtt/pkg/config"
	"github.com/sm2669/seplos-bms-mqtt/pkg/fleet"
	"github.com/sm2669/seplos-bms-mqtt/pkg/health"
	"github.com/sm2669/seplos-bms-mqtt/pkg/inverter"
	"github.com/sm2669/seplos-bms-mqtt/pkg/mqttpub"
	"github.com/sm2669/seplos-bms-mqtt/pkg/packdb"
	"github.com/sm2669/seplos-bms-mqtt/pkg/snooper"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// ws clients for broadcasting live records
var (
	wsClients      = make(map[*websocket.Conn]bool)
	wsClientsMutex = sync.RWMutex{}
)

// busEvent is the payload broadcast to websocket clients for every decoded
// frame.
type busEvent struct {
	Unit   byte              `json:"unit"`
	Kind   string            `json:"kind"`
	Record busdecoder.Record `json:"record"`
}

func main() {
	if err := config.LoadBridgeConfig(); err != nil {
		log.Fatalf("Failed to load bridge config: %v", err)
	}
	cfg := config.ActiveBridgeConfig

	// History storage is optional
	var store *packdb.Store
	var history fleet.HistorySink
	if cfg.History.Enabled {
		packdb.InitializeDatabase()
		store = packdb.NewStore()
		history = store
	}

	mqtt := mqttpub.NewManager(cfg.MQTT)
	if err := mqtt.Connect(); err != nil {
		log.Fatalf("Failed to connect to MQTT broker: %v", err)
	}

	aggregator := fleet.New(
		mqtt,
		cfg.MQTT.Prefix,
		history,
		time.Duration(cfg.History.WriteIntervalSeconds)*time.Second,
	)
	aggregator.SetStaleTimeout(time.Duration(cfg.Health.StaleTimeoutSeconds) * time.Second)

	var healthHistory health.History
	if store != nil {
		healthHistory = store
	}
	monitor := health.NewMonitor(
		mqtt,
		aggregator,
		healthHistory,
		cfg.MQTT.Prefix,
		time.Duration(cfg.Health.CheckIntervalSeconds)*time.Second,
		cfg.History.RetentionDays,
	)
	monitor.Start()

	listener := snooper.NewBusListener(
		cfg.Serial.Device,
		cfg.Serial.Baudrate,
		func(unitID byte, rec busdecoder.Record) {
			aggregator.HandleRecord(unitID, rec)
			broadcastToWebSockets(busEvent{Unit: unitID, Kind: rec.Kind(), Record: rec})
		},
		snooper.LogTrash,
	)
	listener.StartListening(func(err error) {
		log.Fatalf("Error reading battery bus: %v", err)
	})

	if inverter.IsConfigured() {
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				power, err := inverter.ReadACPower()
				if err != nil {
					log.Printf("Inverter read failed: %v", err)
					continue
				}
				mqtt.PublishIfChanged(cfg.MQTT.Prefix+"/inverter/ac_power", power, true)
			}
		}()
	}

	// Graceful shutdown marks everything offline before dropping the broker
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down")
		listener.StopListening()
		monitor.Stop()
		for _, unit := range aggregator.DeclaredUnits() {
			mqtt.Publish(fmt.Sprintf("%s/battery_%d/state", cfg.MQTT.Prefix, unit), "offline", true)
		}
		mqtt.Publish(cfg.MQTT.Prefix+"/pack/state", "offline", true)
		mqtt.Disconnect()
		os.Exit(0)
	}()

	// Setup HTTP handlers
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]string{
			"message": "Seplos BMS Bridge API",
			"status":  "running",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	})

	http.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		agg, ok := aggregator.LatestPack()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "No readings available yet",
			})
			return
		}
		json.NewEncoder(w).Encode(agg)
	})

	http.HandleFunc("/batteries", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snapshot := aggregator.Snapshot()
		// JSON object keys must be strings
		out := make(map[string]fleet.BatteryState, len(snapshot))
		for unit, state := range snapshot {
			out[strconv.Itoa(int(unit))] = state
		}
		json.NewEncoder(w).Encode(out)
	})

	http.HandleFunc("/battery", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		id, err := strconv.Atoi(r.URL.Query().Get("id"))
		if err != nil || id < 0 || id > 255 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "invalid or missing id parameter",
			})
			return
		}
		state, ok := aggregator.Battery(byte(id))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "battery not seen on the bus",
			})
			return
		}
		json.NewEncoder(w).Encode(state)
	})

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return
		}

		addWebSocketClient(conn)

		// Keep connection alive
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				removeWebSocketClient(conn)
				break
			}
		}
	})

	// May be fast or slow depending on cached response from inverter.
	http.HandleFunc("/solar", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		power, err := inverter.ReadACPower()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{
				"error": err.Error(),
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]int32{
			"currentProduction": power,
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.API.ListenAddress, cfg.API.ListenPort)
	log.Printf("Starting Seplos BMS bridge API on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func broadcastToWebSockets(event busEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal bus event: %v", err)
		return
	}

	wsClientsMutex.RLock()
	clients := make([]*websocket.Conn, 0, len(wsClients))
	for client := range wsClients {
		clients = append(clients, client)
	}
	wsClientsMutex.RUnlock()

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			removeWebSocketClient(client)
		}
	}
}

func addWebSocketClient(conn *websocket.Conn) {
	wsClientsMutex.Lock()
	wsClients[conn] = true
	wsClientsMutex.Unlock()
}

func removeWebSocketClient(conn *websocket.Conn) {
	wsClientsMutex.Lock()
	delete(wsClients, conn)
	wsClientsMutex.Unlock()
	conn.Close()
}
