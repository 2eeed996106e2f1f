package negotiation

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/livestore-signaling/internal/eventloop"
	"github.com/mossy-p/livestore-signaling/internal/media"
	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/transport/transporttest"
)

// fakePeer records calls instead of negotiating.
type fakePeer struct {
	calls      []string
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	remoteErr  error
	addErr     error
	closed     bool

	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
}

func (f *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.calls = append(f.calls, "add-track")
	return nil, nil
}

func (f *fakePeer) AddTransceiverFromKind(kind webrtc.RTPCodecType, _ ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	f.calls = append(f.calls, "recvonly-"+kind.String())
	return nil, nil
}

func (f *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.calls = append(f.calls, "create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.calls = append(f.calls, "create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakePeer) SetLocalDescription(webrtc.SessionDescription) error {
	f.calls = append(f.calls, "set-local")
	return nil
}

func (f *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.calls = append(f.calls, "set-remote")
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.remote = &d
	return nil
}

func (f *fakePeer) RemoteDescription() *webrtc.SessionDescription { return f.remote }

func (f *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.calls = append(f.calls, "add-candidate")
	if f.addErr != nil {
		return f.addErr
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidate))                { f.onCandidate = fn }
func (f *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))      {}
func (f *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { f.onState = fn }

func (f *fakePeer) Close() error {
	f.closed = true
	return nil
}

type fakeFactory struct {
	peers []*fakePeer
	err   error
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	return p, nil
}

type staticSource struct{ stream *media.Stream }

func (s staticSource) Stream() *media.Stream { return s.stream }

func newEngine(role models.Role) (*Engine, *fakeFactory, *transporttest.Recorder) {
	rec := &transporttest.Recorder{}
	factory := &fakeFactory{}
	e := NewEngine(rec, role, factory, eventloop.Inline{}, staticSource{}, nil)
	return e, factory, rec
}

func candidate(session string) models.ICECandidate {
	return models.ICECandidate{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"},
		SessionID: session,
	}
}

func TestAgentStartSendsOffer(t *testing.T) {
	e, factory, rec := newEngine(models.RoleAgent)
	e.Bind("s1")

	require.NoError(t, e.Start("s1"))
	require.NoError(t, e.Start("s1"))

	require.Len(t, factory.peers, 1)
	assert.Equal(t, []string{"recvonly-video", "recvonly-audio", "create-offer", "set-local"}, factory.peers[0].calls)

	var offer models.Offer
	require.True(t, rec.Last(models.EventWebRTCOffer, &offer))
	assert.Equal(t, "s1", offer.SessionID)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Offer.Type)
	assert.Equal(t, 1, rec.Count(models.EventWebRTCOffer))
	assert.True(t, e.Initialized())
}

func TestCustomerAnswersOffer(t *testing.T) {
	e, factory, rec := newEngine(models.RoleCustomer)
	e.Bind("s1")

	require.NoError(t, e.HandleCandidate(candidate("s1")))
	assert.Equal(t, 1, e.Pending())

	err := e.HandleOffer(models.Offer{Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}, SessionID: "s1"})
	require.NoError(t, err)

	require.Len(t, factory.peers, 1)
	assert.Equal(t, []string{"set-remote", "add-candidate", "create-answer", "set-local"}, factory.peers[0].calls)
	assert.Zero(t, e.Pending())

	var answer models.Answer
	require.True(t, rec.Last(models.EventWebRTCAnswer, &answer))
	assert.Equal(t, "s1", answer.SessionID)
}

func TestSessionMismatchLeavesPeerUntouched(t *testing.T) {
	e, factory, rec := newEngine(models.RoleCustomer)
	e.Bind("s1")
	require.NoError(t, e.HandleOffer(models.Offer{Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}, SessionID: "s1"}))
	before := append([]string(nil), factory.peers[0].calls...)
	rec.Reset()

	assert.ErrorIs(t, e.HandleCandidate(candidate("s2")), ErrSessionMismatch)
	assert.ErrorIs(t, e.HandleOffer(models.Offer{SessionID: "s2"}), ErrSessionMismatch)

	assert.Equal(t, before, factory.peers[0].calls)
	assert.Zero(t, e.Pending())
	assert.Empty(t, rec.Events())
	assert.Equal(t, "s1", e.SessionID())
	assert.Zero(t, e.Failures())
}

func TestUnboundEngineDropsEverything(t *testing.T) {
	e, factory, _ := newEngine(models.RoleCustomer)

	assert.ErrorIs(t, e.HandleCandidate(candidate("")), ErrSessionMismatch)
	assert.ErrorIs(t, e.HandleOffer(models.Offer{}), ErrSessionMismatch)
	assert.Empty(t, factory.peers)
}

func TestRoleGuards(t *testing.T) {
	agent, agentPeers, _ := newEngine(models.RoleAgent)
	agent.Bind("s1")
	assert.ErrorIs(t, agent.HandleOffer(models.Offer{SessionID: "s1"}), ErrWrongRole)
	assert.Empty(t, agentPeers.peers)

	customer, customerPeers, rec := newEngine(models.RoleCustomer)
	customer.Bind("s1")
	assert.ErrorIs(t, customer.HandleAnswer(models.Answer{SessionID: "s1"}), ErrWrongRole)
	assert.ErrorIs(t, customer.Start("s1"), ErrWrongRole)
	assert.Empty(t, customerPeers.peers)
	assert.Empty(t, rec.Events())
}

func TestAnswerWithoutOffer(t *testing.T) {
	e, _, _ := newEngine(models.RoleAgent)
	e.Bind("s1")
	assert.ErrorIs(t, e.HandleAnswer(models.Answer{SessionID: "s1"}), ErrNoPeer)
}

func TestNegotiationErrorsAreCountedNotFatal(t *testing.T) {
	e, factory, _ := newEngine(models.RoleAgent)
	e.Bind("s1")
	require.NoError(t, e.Start("s1"))

	peer := factory.peers[0]
	peer.remoteErr = errors.New("malformed sdp")
	assert.Error(t, e.HandleAnswer(models.Answer{Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer}, SessionID: "s1"}))
	assert.Equal(t, 1, e.Failures())
	assert.True(t, e.Initialized())
	assert.False(t, peer.closed)

	peer.remoteErr = nil
	require.NoError(t, e.HandleAnswer(models.Answer{Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer}, SessionID: "s1"}))

	peer.addErr = errors.New("bad candidate")
	assert.Error(t, e.HandleCandidate(candidate("s1")))
	assert.Equal(t, 2, e.Failures())
	assert.True(t, e.Initialized())
}

func TestFactoryFailureIsCounted(t *testing.T) {
	e, factory, rec := newEngine(models.RoleAgent)
	factory.err = errors.New("no api")
	e.Bind("s1")

	assert.Error(t, e.Start("s1"))
	assert.Equal(t, 1, e.Failures())
	assert.False(t, e.Initialized())
	assert.Empty(t, rec.Events())
}

func TestCloseResetsAndNewSessionGetsNewPeer(t *testing.T) {
	e, factory, _ := newEngine(models.RoleAgent)
	e.Bind("s1")
	require.NoError(t, e.Start("s1"))
	stale := factory.peers[0].onState

	e.Close()
	assert.True(t, factory.peers[0].closed)
	assert.False(t, e.Initialized())
	assert.Equal(t, webrtc.PeerConnectionStateUnknown, e.State())
	assert.Empty(t, e.SessionID())

	// Callbacks from the old connection no longer land.
	stale(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, webrtc.PeerConnectionStateUnknown, e.State())

	e.Bind("s2")
	require.NoError(t, e.Start("s2"))
	require.Len(t, factory.peers, 2)
	assert.NotSame(t, factory.peers[0], factory.peers[1])
}

func TestLocalCandidatesCarrySession(t *testing.T) {
	e, factory, rec := newEngine(models.RoleAgent)
	e.Bind("s1")
	require.NoError(t, e.Start("s1"))

	factory.peers[0].onCandidate(nil)
	assert.Zero(t, rec.Count(models.EventWebRTCICECandidate))

	factory.peers[0].onCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       50000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})

	var msg models.ICECandidate
	require.True(t, rec.Last(models.EventWebRTCICECandidate, &msg))
	assert.Equal(t, "s1", msg.SessionID)
	assert.Contains(t, msg.Candidate.Candidate, "10.0.0.1")
}

func TestRemoteTrackBinding(t *testing.T) {
	e, _, _ := newEngine(models.RoleCustomer)
	e.Bind("s1")

	var fired int
	e.OnRemoteMedia(func(*media.RemoteStream) { fired++ })

	e.bindRemote(media.RemoteTrack{ID: "v", StreamID: "remote", Kind: media.KindVideo})
	e.bindRemote(media.RemoteTrack{ID: "v", StreamID: "remote", Kind: media.KindVideo})
	e.bindRemote(media.RemoteTrack{ID: "a", StreamID: "remote", Kind: media.KindAudio})

	assert.Equal(t, 2, fired)
	assert.True(t, e.Remote().Has(media.KindAudio))
	assert.Equal(t, "remote", e.Remote().ID())
}

func TestSenderUnavailableBeforeConnected(t *testing.T) {
	e, _, _ := newEngine(models.RoleAgent)
	_, ok := e.Sender(media.KindVideo)
	assert.False(t, ok)
}
