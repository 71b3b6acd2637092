// Package sealed provides a compact, self-contained protocol engine that
// satisfies engine.Engine.
//
// It exists so that duplex streams can be exercised end to end without an
// external TLS stack. The protocol is deliberately small:
//
//   - The client opens with a HELLO record carrying its role, a 32-byte
//     random and an X25519 public key (CBOR body). The server answers with
//     its own HELLO. Both sides derive directional traffic secrets with
//     HKDF-SHA256 over the shared secret, salted with both randoms.
//   - Everything after the hellos travels in SEALED records protected with
//     ChaCha20-Poly1305. The last plaintext byte is the inner type: data or
//     control.
//   - Control bodies (CBOR) carry key updates and the close notification.
//     A key update that requests a response obliges the receiver to send
//     its own key update back, which is the kind of unsolicited control
//     traffic a duplex stream must interleave with application data.
//
// The engine makes no claim to cryptographic robustness beyond what the
// primitives give it: there is no peer authentication and no transcript
// binding.
package sealed
