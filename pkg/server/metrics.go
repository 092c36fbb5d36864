package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aeolun/roomcast/pkg/protocol"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected *prometheus.CounterVec // by reason

	// Broadcast metrics
	broadcastFanout     *prometheus.HistogramVec
	broadcastDuration   *prometheus.HistogramVec
	backpressureKicks   prometheus.Counter
	outboundQueueLength prometheus.Histogram

	// Message type metrics
	commandsReceived *prometheus.CounterVec // by message type
	framesSent       *prometheus.CounterVec // by message type

	// Service metrics
	uploads       *prometheus.CounterVec // by result
	relayedBytes  prometheus.Counter
	ledgerOps     *prometheus.CounterVec // by operation and result
	pollVotes     prometheus.Counter
	rateLimited   prometheus.Counter
	sinkFailures  prometheus.Counter
	listenOverrun prometheus.Counter
}

// NewMetrics registers every server metric with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_active_sessions",
			Help: "Current number of registered sessions",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_sessions_created_total",
			Help: "Total number of sessions that completed the handshake",
		}),
		sessionsDisconnected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_sessions_disconnected_total",
			Help: "Total number of registered sessions that ended, by reason",
		}, []string{"reason"}),
		broadcastFanout: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomcast_broadcast_fanout",
			Help:    "Number of sessions each broadcast was queued for",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"scope"}),
		broadcastDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomcast_broadcast_duration_seconds",
			Help:    "Time taken to queue a broadcast for every recipient",
			Buckets: prometheus.DefBuckets,
		}, []string{"scope"}),
		backpressureKicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_backpressure_disconnects_total",
			Help: "Sessions disconnected because their outbound queue stayed full",
		}),
		outboundQueueLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomcast_outbound_queue_length",
			Help:    "Outbound queue length observed by the sender loop before each write",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),
		commandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_commands_received_total",
			Help: "Total number of commands received from clients by type",
		}, []string{"type"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_frames_sent_total",
			Help: "Total number of frames written to clients by type",
		}, []string{"type"}),
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_uploads_total",
			Help: "File uploads by outcome",
		}, []string{"result"}),
		relayedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_relayed_bytes_total",
			Help: "File bytes received from uploaders",
		}),
		ledgerOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_ledger_operations_total",
			Help: "Ledger operations by operation and result",
		}, []string{"operation", "result"}),
		pollVotes: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_poll_votes_total",
			Help: "Accepted poll votes",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_rate_limited_total",
			Help: "Chat messages rejected by the per-session rate limit",
		}),
		sinkFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_event_sink_failures_total",
			Help: "Events the persistence sink refused",
		}),
		listenOverrun: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_listen_overflows_total",
			Help: "Connections the kernel dropped because the listen backlog was full",
		}),
	}
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the disconnection counter for a reason
func (m *Metrics) RecordSessionDisconnected(reason string) {
	m.sessionsDisconnected.WithLabelValues(reason).Inc()
}

// RecordBroadcast records fan-out and duration of one broadcast
func (m *Metrics) RecordBroadcast(scope string, recipients int, durationSeconds float64) {
	m.broadcastFanout.WithLabelValues(scope).Observe(float64(recipients))
	m.broadcastDuration.WithLabelValues(scope).Observe(durationSeconds)
}

func (m *Metrics) RecordBackpressureDisconnect() {
	m.backpressureKicks.Inc()
}

func (m *Metrics) RecordQueueLength(n int) {
	m.outboundQueueLength.Observe(float64(n))
}

// RecordCommandReceived increments the received counter for a message type
func (m *Metrics) RecordCommandReceived(msgType uint8) {
	m.commandsReceived.WithLabelValues(messageTypeToString(msgType)).Inc()
}

// RecordFrameSent increments the sent counter for a message type
func (m *Metrics) RecordFrameSent(msgType uint8) {
	m.framesSent.WithLabelValues(messageTypeToString(msgType)).Inc()
}

func (m *Metrics) RecordUpload(result string, bytes int64) {
	m.uploads.WithLabelValues(result).Inc()
	m.relayedBytes.Add(float64(bytes))
}

func (m *Metrics) RecordLedgerOperation(operation, result string) {
	m.ledgerOps.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) RecordPollVote() {
	m.pollVotes.Inc()
}

func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

func (m *Metrics) RecordSinkFailure() {
	m.sinkFailures.Inc()
}

func (m *Metrics) RecordListenOverflows(n uint64) {
	m.listenOverrun.Add(float64(n))
}

var messageTypeNames = map[uint8]string{
	protocol.TypeHello:            "HELLO",
	protocol.TypeChat:             "CHAT",
	protocol.TypePrivate:          "PRIVATE",
	protocol.TypeCreateRoom:       "CREATE_ROOM",
	protocol.TypeJoinRoom:         "JOIN_ROOM",
	protocol.TypeListRooms:        "LIST_ROOMS",
	protocol.TypeListUsers:        "LIST_USERS",
	protocol.TypeUpload:           "UPLOAD",
	protocol.TypeDeposit:          "DEPOSIT",
	protocol.TypeWithdraw:         "WITHDRAW",
	protocol.TypeBalance:          "BALANCE",
	protocol.TypeLedgerHistory:    "LEDGER_HISTORY",
	protocol.TypeCreatePoll:       "CREATE_POLL",
	protocol.TypeVote:             "VOTE",
	protocol.TypeListPolls:        "LIST_POLLS",
	protocol.TypeKick:             "KICK",
	protocol.TypeSaveHistory:      "SAVE_HISTORY",
	protocol.TypeGetHistory:       "GET_HISTORY",
	protocol.TypePing:             "PING",
	protocol.TypeQuit:             "QUIT",
	protocol.TypeWelcome:          "WELCOME",
	protocol.TypePowerResult:      "POWER_RESULT",
	protocol.TypeSuccess:          "SUCCESS",
	protocol.TypeEcho:             "ECHO",
	protocol.TypeChatBroadcast:    "CHAT_BROADCAST",
	protocol.TypePrivateDelivery:  "PRIVATE_MESSAGE",
	protocol.TypeNotice:           "NOTICE",
	protocol.TypeRoomChanged:      "ROOM_CHANGED",
	protocol.TypeRoomList:         "ROOM_LIST",
	protocol.TypeUserList:         "USER_LIST",
	protocol.TypeLedgerUpdate:     "LEDGER_UPDATE",
	protocol.TypeLedgerHistoryLog: "LEDGER_HISTORY_LOG",
	protocol.TypePollUpdate:       "POLL_UPDATE",
	protocol.TypePollList:         "POLL_LIST",
	protocol.TypeHistory:          "HISTORY",
	protocol.TypePong:             "PONG",
	protocol.TypeError:            "ERROR",
	protocol.TypeFileOffer:        "FILE_OFFER",
	protocol.TypeFileData:         "FILE_DATA",
	protocol.TypeFileEnd:          "FILE_END",
	protocol.TypeFileCancel:       "FILE_CANCEL",
	protocol.TypeUploadResult:     "UPLOAD_RESULT",
}

// messageTypeToString returns a stable label for a message type
func messageTypeToString(msgType uint8) string {
	if name, ok := messageTypeNames[msgType]; ok {
		return name
	}
	return "UNKNOWN"
}
