package config

import (
	"encoding/json"
	"errors"
	"os"
)

// Config is the JSON-backed configuration for the gateway core and its
// out-of-scope collaborators (session-id store, sequence-number index).
// Recognized options mirror spec §6 exactly; durations are encoded as
// strings ("30s", "5m", "1h") and parsed with ParseStringTime.
type Config struct {
	// BindAddress is host:port for the listening socket. Empty disables accept.
	BindAddress string `json:"bind_address"`

	OutboundLibraryFragmentLimit int `json:"outbound_library_fragment_limit"`
	ReplayFragmentLimit          int `json:"replay_fragment_limit"`
	InboundBytesReceivedLimit    int `json:"inbound_bytes_received_limit"`

	NoLogonDisconnectTimeout    string `json:"no_logon_disconnect_timeout"`
	ReplyTimeoutInMs            int64  `json:"reply_timeout_in_ms"`
	DefaultHeartbeatIntervalInS int    `json:"default_heartbeat_interval_in_s"`

	AcceptorSequenceNumbersResetUponReconnect bool `json:"acceptor_sequence_numbers_reset_upon_reconnect"`

	// FramerIdleStrategy selects the cooperative-yield hook the Framer
	// calls between re-reads inside its one suspension point,
	// awaiting_indexing_up_to (spec §5, §6 "framerIdleStrategy"):
	// "busy_spin" spins with no yield, "gosched" yields the goroutine via
	// runtime.Gosched between re-reads.
	FramerIdleStrategy string `json:"framer_idle_strategy"`

	ReceiverSocketBufferSize int `json:"receiver_socket_buffer_size"`
	SenderSocketBufferSize   int `json:"sender_socket_buffer_size"`

	Mongo struct {
		Host               string `json:"host"`
		Port               uint64 `json:"port"`
		Username           string `json:"username"`
		Password           string `json:"password"`
		Database           string `json:"database"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"mongo"`

	DebugMode bool   `json:"debug_mode"`
	AppName   string `json:"app_name"`
	AppPort   int    `json:"app_port"`
}

var defaultConfig = Config{
	OutboundLibraryFragmentLimit: 10,
	ReplayFragmentLimit:          5,
	InboundBytesReceivedLimit:    1 << 16,
	NoLogonDisconnectTimeout:     "15s",
	ReplyTimeoutInMs:             5000,
	DefaultHeartbeatIntervalInS:  10,
	FramerIdleStrategy:           "busy_spin",
	ReceiverSocketBufferSize:     0,
	SenderSocketBufferSize:       0,
	AppName:                      "ilink3-gateway-core",
}

var config Config
var initialized = false

func ReadConfig() (Config, error) {
	bytes, err := os.ReadFile("config.json")

	if err != nil {
		config = defaultConfig
		writer, _ := os.OpenFile("config.json", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0777)
		data, _ := json.MarshalIndent(config, "", "\t")
		_, _ = writer.Write(data)
		_ = writer.Close()
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	err = json.Unmarshal(bytes, &config)

	if err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}
