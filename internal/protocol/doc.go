// Package protocol defines the messages exchanged between a terminal and a
// headless signer.
//
// Every message travels inside an Envelope encoded in protobuf wire format and
// framed with a big-endian uint32 length. Envelope.Data carries a JSON payload
// whose shape depends on Envelope.Type. Request ids are assigned by the client;
// id 0 marks unsolicited traffic such as password prompts and wallet list
// updates pushed by the signer.
package protocol
