// Package voicechat adds voice calls to a chat application.
//
// A Peer ties together the subsystems of one participant: the chat
// Messenger that carries call signaling, the signaling Manager that drives
// each call through its lifecycle, the per-call UDP media transports and
// the audio capture/playback pipeline.
//
// # Getting Started
//
// Run a hub, then connect a peer to it and place a call:
//
//	cfg := config.Default()
//	cfg.Identity = "alice"
//
//	peer, err := voicechat.Connect(ctx, *cfg, voicechat.Devices{
//	    Input:   audio.NewToneInput(),
//	    Outputs: audio.NullOutputFactory,
//	}, metrics.NewCollector(prometheus.DefaultRegisterer))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer peer.Close()
//
//	peer.OnIncomingCall(func(s signaling.Session) {
//	    peer.Accept(ctx, s.CallID)
//	})
//
//	session, err := peer.Call(ctx, "bob")
//
// # Call Lifecycle
//
// Calls move through Requesting, Accepted, Connecting and Connected, and
// finish in Rejected, Ended or Error. OnStateChange reports every
// transition. Once a call is Connected, captured audio is sent over the
// call's UDP transport and inbound frames are queued for playback on a
// per-call output device.
//
// # Devices
//
// Devices selects the audio backends. The audio package offers a tone
// generator and a discarding output for headless use; the audio/malgodev
// package opens real sound cards.
//
// # Thread Safety
//
// All Peer methods are safe for concurrent use. Callbacks run outside the
// Peer's locks and may call back into it.
package voicechat
