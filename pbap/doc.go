// Package pbap implements the server side of the Phone Book Access Profile.
//
// A client connects with the PBAP target UUID, optionally challenging us
// for a password. The user confirms the connection unless auto-accept is
// set. Once connected the client browses the virtual folder tree with
// SetPath and pulls objects with GET:
//
//	x-bt/phonebook      telecom/pb.vcf      whole phonebook
//	x-bt/vcard-listing  pb                  XML listing of a folder
//	x-bt/vcard          3.vcf               one entry of the current folder
//
// Requests are handed to a Provider, which answers through the server's
// ReplyTo methods. Responses are split to the client's maximum packet
// length. With Single Response Mode the server keeps sending Continue
// packets from a delayed task on the control loop until the body is done
// or the client asks it to wait with SRMP.
package pbap
