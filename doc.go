// Package voicelink implements a client for real-time voice transport:
// a gateway-driven session handshake, a control websocket with
// reconnect and resume handling, and an encrypted RTP media path over
// UDP.
//
// A Session is created around the caller's gateway signaler and fed
// the two server events that carry voice credentials. Once both have
// arrived, Connect negotiates the control connection, performs IP
// discovery, selects an encryption mode, and starts a supervisor that
// keeps the connection alive across resumable and non-resumable
// closes.
//
//	session, err := voicelink.NewSession(opts, signaler)
//	if err != nil { ... }
//	// deliver gateway events as they arrive:
//	//   session.OnSessionAssigned / session.OnServerAssigned
//	if err := session.Connect(ctx, 30*time.Second, true); err != nil { ... }
//	session.Speaking(ctx, true)
//	session.SendAudioPacket(frame)
//
// Subpackages hold the separable layers: signaling for the gateway
// event types, control for the voice websocket, crypto for the
// secretbox modes, rtp for packetization, and transport for the UDP
// socket and IP discovery.
package voicelink
