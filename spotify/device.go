package spotify

import (
	"context"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	golibrespot "github.com/devgianlu/go-librespot"
	"github.com/devgianlu/go-librespot/ap"
	"github.com/devgianlu/go-librespot/dealer"
	connectpb "github.com/devgianlu/go-librespot/proto/spotify/connectstate"
	devicespb "github.com/devgianlu/go-librespot/proto/spotify/connectstate/devices"
	metadatapb "github.com/devgianlu/go-librespot/proto/spotify/metadata"
	"github.com/devgianlu/go-librespot/session"
	"github.com/devgianlu/go-librespot/spclient"
	"google.golang.org/protobuf/proto"

	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/player"
)

const (
	connectionsURI  = "hm://pusher/v1/connections/"
	connectStateURI = "hm://connect-state/v1/"
	clusterURI      = "hm://connect-state/v1/cluster"
	defaultImageURL = "https://i.scdn.co/image/{file_id}"
)

// clientID identifies this software to Spotify Connect.
var clientID = hex.EncodeToString([]byte{0x65, 0xb7, 0x8, 0x7, 0x3f, 0xc0, 0x48, 0xe, 0xa9, 0x2a, 0x7, 0x72, 0x33, 0xca, 0x87, 0xbd})

type ProductInfo struct {
	XMLName  xml.Name `xml:"products"`
	Products []struct {
		XMLName  xml.Name `xml:"product"`
		Type     string   `xml:"type"`
		ImageUrl string   `xml:"image-url"`
	} `xml:"product"`
}

func (pi *ProductInfo) ImageURL(fileID string) string {
	prefix := defaultImageURL
	if pi != nil && len(pi.Products) != 0 && pi.Products[0].ImageUrl != "" {
		prefix = pi.Products[0].ImageUrl
	}
	return strings.Replace(prefix, "{file_id}", strings.ToLower(fileID), 1)
}

// Device is a Spotify Connect device backed by go-librespot. It announces
// itself as a player and reports the cluster state Spotify pushes to it.
type Device struct {
	ID       string
	Name     string
	Username string

	mu       sync.Mutex
	sess     *session.Session
	sp       *spclient.Spclient
	prodInfo *ProductInfo
	cancel   context.CancelFunc
	lastURI  string
	lastMeta trackMeta
}

type trackMeta struct {
	name     string
	artist   string
	imageURL string
}

func NewDevice(id, name, username string) *Device {
	return &Device{ID: id, Name: name, Username: username}
}

func (d *Device) Connect(ctx context.Context, token string, events func(player.DeviceEvent)) (string, error) {
	opts := &session.Options{
		DeviceType: devicespb.DeviceType_COMPUTER,
		DeviceId:   d.ID,
		Credentials: session.SpotifyTokenCredentials{
			Username: d.Username,
			Token:    token,
		},
	}
	sess, err := session.NewSessionFromOptions(opts)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	if d.sess != nil {
		d.sess.Close()
	}
	d.sess = sess
	d.sp = sess.Spclient()
	d.cancel = cancel
	d.mu.Unlock()

	ready := make(chan struct{})
	go d.run(runCtx, sess, ready, events)

	select {
	case <-ready:
		return d.ID, nil
	case <-ctx.Done():
		d.Close()
		return "", ctx.Err()
	}
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.sess != nil {
		d.sess.Close()
		d.sess = nil
	}
	return nil
}

func (d *Device) run(ctx context.Context, sess *session.Session, ready chan struct{}, events func(player.DeviceEvent)) {
	apRecv := sess.Accesspoint().Receive(ap.PacketTypeProductInfo)
	msgChan := sess.Dealer().ReceiveMessage(connectionsURI, connectStateURI)
	var once sync.Once

	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-apRecv:
			if err := d.handleProductInfo(pkt.Type, pkt.Payload); err != nil {
				slog.Warn("Failed to handle access point packet", slog.String("stack", err.Error()))
			}
		case msg, ok := <-msgChan:
			if !ok {
				slog.Warn("Spotify dealer closed")
				return
			}
			d.handleMessage(msg, func() { once.Do(func() { close(ready) }) }, events)
		}
	}
}

func (d *Device) handleProductInfo(pktType ap.PacketType, payload []byte) error {
	if pktType != ap.PacketTypeProductInfo {
		return nil
	}
	var prod ProductInfo
	if err := xml.Unmarshal(payload, &prod); err != nil {
		return fmt.Errorf("failed umarshalling ProductInfo: %w", err)
	}
	if len(prod.Products) != 1 {
		return errors.New("invalid ProductInfo")
	}
	d.mu.Lock()
	d.prodInfo = &prod
	d.mu.Unlock()
	return nil
}

func (d *Device) handleMessage(msg dealer.Message, ready func(), events func(player.DeviceEvent)) {
	if strings.HasPrefix(msg.Uri, connectionsURI) {
		connID := msg.Headers["Spotify-Connection-Id"]
		slog.Info("Established connection to Spotify", slog.String("connection_id", connID))
		d.announce(connID)
		ready()
		return
	}
	if !strings.HasPrefix(msg.Uri, clusterURI) {
		return
	}
	var update connectpb.ClusterUpdate
	if err := proto.Unmarshal(msg.Payload, &update); err != nil {
		slog.Error("Failed to unmarshal cluster update", slog.String("stack", err.Error()))
		return
	}
	ev, ok := clusterStateFrom(update.GetCluster().GetPlayerState()).event()
	if !ok {
		return
	}
	meta := d.metadata(ev.State.TrackID)
	ev.State.TrackName = meta.name
	ev.State.TrackArtist = meta.artist
	ev.State.ImageURL = meta.imageURL
	events(ev)
}

func (d *Device) announce(connID string) {
	d.mu.Lock()
	sp := d.sp
	d.mu.Unlock()
	if sp == nil {
		return
	}
	putStateReq := &connectpb.PutStateRequest{
		ClientSideTimestamp: uint64(time.Now().UnixMilli()),
		MemberType:          connectpb.MemberType_CONNECT_STATE,
		PutStateReason:      connectpb.PutStateReason_NEW_DEVICE,
		Device: &connectpb.Device{
			DeviceInfo: &connectpb.DeviceInfo{
				Name:                  d.Name,
				Volume:                65535,
				CanPlay:               true,
				DeviceType:            devicespb.DeviceType_COMPUTER,
				DeviceSoftwareVersion: "tunetogether 1.0.0",
				ClientId:              clientID,
				Brand:                 "tunetogether",
				Model:                 "TuneTogether",
				SpircVersion:          "3.2.6",
				Capabilities: &connectpb.Capabilities{
					CanBePlayer:             true,
					IsObservable:            true,
					SupportedTypes:          []string{"audio/track"},
					CommandAcks:             true,
					NeedsFullPlayerState:    true,
					SupportsTransferCommand: true,
				},
			},
		},
	}
	sp.PutConnectState(connID, putStateReq)
}

// metadata looks up display details for a track, remembering the last one
// since cluster updates repeat the same track many times.
func (d *Device) metadata(trackID string) trackMeta {
	d.mu.Lock()
	sp, prodInfo := d.sp, d.prodInfo
	if trackID == d.lastURI {
		meta := d.lastMeta
		d.mu.Unlock()
		return meta
	}
	d.mu.Unlock()
	if sp == nil || trackID == "" {
		return trackMeta{}
	}

	spotifyId := golibrespot.SpotifyIdFromUri(models.TrackURI(trackID))
	if spotifyId.Type() != golibrespot.SpotifyIdTypeTrack {
		return trackMeta{}
	}
	track, err := sp.MetadataForTrack(spotifyId)
	if err != nil {
		slog.Warn("Failed to fetch track metadata", slog.String("track_id", trackID), slog.String("stack", err.Error()))
		return trackMeta{}
	}
	meta := trackMeta{name: track.GetName()}
	if artists := track.GetArtist(); len(artists) > 0 {
		meta.artist = artists[0].GetName()
	}
	if coverID := albumCoverID(track); coverID != "" {
		meta.imageURL = prodInfo.ImageURL(coverID)
	}

	d.mu.Lock()
	d.lastURI = trackID
	d.lastMeta = meta
	d.mu.Unlock()
	return meta
}

// clusterState is the part of a cluster player state the jam cares about.
type clusterState struct {
	uri        string
	paused     bool
	durationMs int64
	positionMs int64
	timestamp  int64
	next       []nextTrack
}

type nextTrack struct {
	uri      string
	metadata map[string]string
}

func clusterStateFrom(ps *connectpb.PlayerState) clusterState {
	cs := clusterState{
		uri:        ps.GetTrack().GetUri(),
		paused:     ps.GetIsPaused(),
		durationMs: ps.GetDuration(),
		positionMs: ps.GetPositionAsOfTimestamp(),
		timestamp:  ps.GetTimestamp(),
	}
	for _, t := range ps.GetNextTracks() {
		cs.next = append(cs.next, nextTrack{uri: t.GetUri(), metadata: t.GetMetadata()})
	}
	return cs
}

// event maps the cluster state. Positions are reported as of the state's
// timestamp, which becomes the capture time.
func (cs clusterState) event() (player.DeviceEvent, bool) {
	if !strings.HasPrefix(cs.uri, "spotify:track:") {
		return player.DeviceEvent{}, false
	}
	state := models.PlaybackState{
		TrackID:    models.TrackIDFromURI(cs.uri),
		PositionMs: cs.positionMs,
		DurationMs: cs.durationMs,
		Playing:    !cs.paused,
	}
	if cs.timestamp > 0 {
		state.CapturedAt = time.UnixMilli(cs.timestamp)
	}
	var upcoming []models.QueueEntry
	for _, t := range cs.next {
		if !strings.HasPrefix(t.uri, "spotify:track:") {
			continue
		}
		upcoming = append(upcoming, models.QueueEntry{
			TrackID: models.TrackIDFromURI(t.uri),
			URI:     t.uri,
			Name:    t.metadata["title"],
			Artist:  t.metadata["artist_name"],
		})
	}
	return player.DeviceEvent{State: state, Upcoming: upcoming}, true
}

func albumCoverID(track *metadatapb.Track) string {
	album := track.GetAlbum()
	images := album.GetCover()
	if len(images) == 0 {
		images = album.GetCoverGroup().GetImage()
	}
	if len(images) == 0 {
		return ""
	}
	coverID := images[0].GetFileId()
	for _, c := range images {
		if c.GetSize() == metadatapb.Image_LARGE {
			coverID = c.GetFileId()
		}
	}
	return hex.EncodeToString(coverID)
}
