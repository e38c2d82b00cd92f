// Package config defines the typed settings the storage core, distribution
// map, mirror dispatcher, peer pool and sync controller are constructed
// from. Parsing a config *file* is out of scope (spec.md §1 names
// "configuration parsing" as an external collaborator), but the core still
// needs somewhere to land already-parsed values from whatever protocol/CLI
// layer eventually owns that file. Modeled on the teacher's
// pkg/jsonconfig.Obj (a lenient map wrapper with deferred validation) and
// on calvinalkan-agent-task's internal/ticket.LoadConfig, which reads
// on-disk JSON permissively via github.com/tailscale/hujson before
// unmarshalling with encoding/json.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"netcache/pkg/jsonconfig"
)

// Settings is the fully-resolved configuration for one node, covering every
// key named in spec.md §6.
type Settings struct {
	// storage.*
	StoragePath        string
	StoragePrefix      string
	EachFileSize       int64 // storage.each_file_size, default 100Mb
	MaxGarbagePct      int   // storage.max_garbage_pct, default 50
	MinStorageSize     int64 // storage.min_storage_size, default 10Gb
	GCBatchSize        int   // storage.gc_batch_size, default 500
	SyncTimePeriod     time.Duration // storage.sync_time_period, default 3s
	DiskFreeLimit      int64         // storage.disk_free_limit, default 5Gb
	MinMoveLife        time.Duration // min_lifetime_to_move, default 600s
	MaxShrinkScanSize  int64         // max_shrink_scan_size
	MaxIOWaitTime      time.Duration // max_io_wait_time
	ExtraGCTime        time.Duration // applied under disk pressure, default 10m
	StopWriteOnSize    int64
	StopWriteOffSize   int64
	MinRecNoSavePeriod time.Duration // default 10s

	// mirror.*
	Peers                []PeerConfig
	CntSlotBuckets        int           // mirror.cnt_slot_buckets, default 10
	MaxActiveSyncs        int           // mirror.max_active_syncs, default 4
	MaxSyncsOneServer     int           // mirror.max_syncs_one_server, default 2
	MaxPeerConnections    int           // mirror.max_peer_connections, default 100
	MaxPeerBGConnections  int           // mirror.max_peer_bg_connections, default 50
	PeerErrorsForThrottle int           // mirror.peer_errors_for_throttle, default 10
	PeerThrottlePeriod    time.Duration // mirror.peer_throttle_period, default 10s
	MaxInstantQueueSize   int           // mirror.max_instant_queue_size, default 10000
	SmallBlobMaxSize      int64         // mirror.small_blob_max_size, default 65535
	MaxSlotLogRecords     int           // mirror.max_slot_log_records, default 100000
	DeferredSyncInterval  time.Duration // mirror.deferred_sync_interval, default 10s
	NetworkErrorTimeout   time.Duration // mirror.network_error_timeout, default 300s
	MaxBlobSizeSync       int64         // mirror.max_blob_size_sync, default 1GB
	FailedSyncRetryDelay  time.Duration // default 1s
	MaxPeerDispatchRate   int           // mirror.max_peer_dispatch_rate, events/sec per peer, 0 = unlimited
	MaxConcurrentBlobFetches int        // mirror.max_concurrent_blob_fetches, default 8

	MaxSlot     int
	MaxMapDepth int // chunk-map tree depth cap, spec.md §4.3 = 3

	// node identity, not itself a spec.md §6 config key but needed
	// wherever one is read from: GetServersForSlot's group preference,
	// node-generated key minting, and the LWW create-server field.
	SelfID    string
	SelfGroup string
	Host      string
	Port      int

	ChunkSize     int32 // accessor.Config.ChunkSize, spec.md §4.3 chunk-size
	MapSize       int32 // accessor.Config.MapSize, spec.md §4.3 map-size
	DefaultTTL    int64 // seconds, used when a Put omits ttl
	ProlongOnRead bool  // spec.md §4.3 "prolong-on-read"
}

// PeerConfig is one mirror.server_<i> / srv_slots_<i> pair.
type PeerConfig struct {
	ID    string
	Addr  string
	Slots []int
	Group string // rack/group, used for GetServersForSlot ordering
}

// Default returns the zero-config defaults spec.md §6 lists.
func Default() Settings {
	return Settings{
		StoragePrefix:         "ncbi_nc_",
		EachFileSize:          100 << 20,
		MaxGarbagePct:         50,
		MinStorageSize:        10 << 30,
		GCBatchSize:           500,
		SyncTimePeriod:        3 * time.Second,
		DiskFreeLimit:         5 << 30,
		MinMoveLife:           600 * time.Second,
		MaxShrinkScanSize:     64 << 20,
		MaxIOWaitTime:         5 * time.Second,
		ExtraGCTime:           10 * time.Minute,
		MinRecNoSavePeriod:    10 * time.Second,
		CntSlotBuckets:        10,
		MaxActiveSyncs:        4,
		MaxSyncsOneServer:     2,
		MaxPeerConnections:    100,
		MaxPeerBGConnections:  50,
		PeerErrorsForThrottle: 10,
		PeerThrottlePeriod:    10 * time.Second,
		MaxInstantQueueSize:   10000,
		SmallBlobMaxSize:      65535,
		MaxSlotLogRecords:     100000,
		DeferredSyncInterval:  10 * time.Second,
		NetworkErrorTimeout:   300 * time.Second,
		MaxBlobSizeSync:       1 << 30,
		FailedSyncRetryDelay:  time.Second,
		MaxPeerDispatchRate:   200,
		MaxConcurrentBlobFetches: 8,
		MaxSlot:               1,
		MaxMapDepth:           3,
		ChunkSize:             65536,
		MapSize:               128,
		DefaultTTL:            3600,
		ProlongOnRead:         true,
	}
}

// ReadFile reads a HuJSON (JSON-with-comments-and-trailing-commas) config
// file from disk and overlays it onto the defaults, the way
// calvinalkan-agent-task's ticket.loadConfigFile tolerates a relaxed config
// grammar before handing a strict map to the rest of the program.
func ReadFile(path string) (jsonconfig.Obj, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	obj, err := jsonconfig.ReadBytes(std)
	if err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return obj, nil
}

// FromObj overlays a parsed jsonconfig.Obj onto the defaults. Unknown or
// malformed top-level keys are reported through Obj.Validate(), matching
// the teacher's deferred-validation idiom in pkg/jsonconfig. Only the
// top-level object is validated: an unknown or malformed key inside the
// storage, mirror or node object is not reported.
func FromObj(obj jsonconfig.Obj) (Settings, error) {
	s := Default()

	storage := obj.OptionalObject("storage")
	if v := storage.OptionalString("path", ""); v != "" {
		s.StoragePath = v
	}
	if v := storage.OptionalString("prefix", s.StoragePrefix); v != "" {
		s.StoragePrefix = v
	}
	s.EachFileSize = int64(storage.OptionalInt("each_file_size", int(s.EachFileSize)))
	s.MaxGarbagePct = storage.OptionalInt("max_garbage_pct", s.MaxGarbagePct)
	s.MinStorageSize = int64(storage.OptionalInt("min_storage_size", int(s.MinStorageSize)))
	s.GCBatchSize = storage.OptionalInt("gc_batch_size", s.GCBatchSize)
	s.DiskFreeLimit = int64(storage.OptionalInt("disk_free_limit", int(s.DiskFreeLimit)))

	mirror := obj.OptionalObject("mirror")
	s.CntSlotBuckets = mirror.OptionalInt("cnt_slot_buckets", s.CntSlotBuckets)
	s.MaxActiveSyncs = mirror.OptionalInt("max_active_syncs", s.MaxActiveSyncs)
	s.MaxSyncsOneServer = mirror.OptionalInt("max_syncs_one_server", s.MaxSyncsOneServer)
	s.MaxPeerConnections = mirror.OptionalInt("max_peer_connections", s.MaxPeerConnections)
	s.MaxPeerBGConnections = mirror.OptionalInt("max_peer_bg_connections", s.MaxPeerBGConnections)
	s.PeerErrorsForThrottle = mirror.OptionalInt("peer_errors_for_throttle", s.PeerErrorsForThrottle)
	s.MaxInstantQueueSize = mirror.OptionalInt("max_instant_queue_size", s.MaxInstantQueueSize)
	s.MaxSlotLogRecords = mirror.OptionalInt("max_slot_log_records", s.MaxSlotLogRecords)
	s.MaxPeerDispatchRate = mirror.OptionalInt("max_peer_dispatch_rate", s.MaxPeerDispatchRate)
	s.MaxConcurrentBlobFetches = mirror.OptionalInt("max_concurrent_blob_fetches", s.MaxConcurrentBlobFetches)

	node := obj.OptionalObject("node")
	s.SelfID = node.OptionalString("id", s.SelfID)
	s.SelfGroup = node.OptionalString("group", s.SelfGroup)
	s.Host = node.OptionalString("host", s.Host)
	s.Port = node.OptionalInt("port", s.Port)
	s.MaxSlot = node.OptionalInt("max_slot", s.MaxSlot)
	s.ChunkSize = int32(node.OptionalInt("chunk_size", int(s.ChunkSize)))
	s.MapSize = int32(node.OptionalInt("map_size", int(s.MapSize)))
	s.DefaultTTL = int64(node.OptionalInt("default_ttl", int(s.DefaultTTL)))
	s.ProlongOnRead = node.OptionalBool("prolong_on_read", s.ProlongOnRead)

	s.Peers = parsePeers(obj)

	if err := obj.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// parsePeers decodes the mirror.peers list of {id, addr, group, slots}
// objects. jsonconfig.Obj has no built-in list-of-objects accessor, so this
// walks the raw map the way pkg/jsonconfig's own OptionalObject does.
// FromObj has already noted "mirror" as a known key before this runs.
func parsePeers(obj jsonconfig.Obj) []PeerConfig {
	mirrorRaw, ok := obj["mirror"].(map[string]interface{})
	if !ok {
		return nil
	}
	rawPeers, ok := mirrorRaw["peers"].([]interface{})
	if !ok {
		return nil
	}
	mirrorRaw["peers"] = nil // cleared once read

	peers := make([]PeerConfig, 0, len(rawPeers))
	for _, ei := range rawPeers {
		m, ok := ei.(map[string]interface{})
		if !ok {
			continue
		}
		p := PeerConfig{}
		if v, ok := m["id"].(string); ok {
			p.ID = v
		}
		if v, ok := m["addr"].(string); ok {
			p.Addr = v
		}
		if v, ok := m["group"].(string); ok {
			p.Group = v
		}
		if raw, ok := m["slots"].([]interface{}); ok {
			p.Slots = make([]int, 0, len(raw))
			for _, s := range raw {
				if f, ok := s.(float64); ok {
					p.Slots = append(p.Slots, int(f))
				}
			}
		}
		peers = append(peers, p)
	}
	return peers
}
