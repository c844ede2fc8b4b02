package relay

import (
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/umbra-im/umbra-relay/internal/protocol"
)

func TestServer_InvitePublishResolveRevoke(t *testing.T) {
	_, ts := startRelay(t, nil)

	owner := dialWS(t, ts)
	register(t, owner, "did:key:z6MkOwner")
	member := dialWS(t, ts)
	register(t, member, "did:key:z6MkMember")

	sendJSON(t, owner, protocol.ClientFrame{
		Type:                 protocol.TypePublishInvite,
		Code:                 "owls-2024",
		CommunityID:          "community-1",
		CommunityName:        "Night Owls",
		CommunityDescription: "the late shift",
		MemberCount:          12,
		InvitePayload:        "encrypted-invite-blob",
	})
	ack := readFrame(t, owner)
	if ack["type"] != protocol.TypeAck || ack["id"] != "invite_published_owls-2024" {
		t.Fatalf("publish reply = %v, want invite_published ack", ack)
	}

	sendJSON(t, member, protocol.ClientFrame{Type: protocol.TypeResolveInvite, Code: "owls-2024"})
	resolved := readFrame(t, member)
	if resolved["type"] != protocol.TypeInviteResolved {
		t.Fatalf("resolve reply = %v, want invite_resolved", resolved)
	}
	if resolved["code"] != "owls-2024" || resolved["community_name"] != "Night Owls" {
		t.Errorf("resolved invite = %v", resolved)
	}
	if resolved["member_count"] != float64(12) || resolved["invite_payload"] != "encrypted-invite-blob" {
		t.Errorf("resolved invite = %v", resolved)
	}
	if resolved["community_description"] != "the late shift" {
		t.Errorf("community_description = %v", resolved["community_description"])
	}

	sendJSON(t, owner, protocol.ClientFrame{Type: protocol.TypeRevokeInvite, Code: "owls-2024"})
	ack = readFrame(t, owner)
	if ack["type"] != protocol.TypeAck || ack["id"] != "invite_revoked_owls-2024" {
		t.Fatalf("revoke reply = %v, want invite_revoked ack", ack)
	}

	// No mesh to ask, so a revoked code is reported missing outright.
	sendJSON(t, member, protocol.ClientFrame{Type: protocol.TypeResolveInvite, Code: "owls-2024"})
	missing := readFrame(t, member)
	if missing["type"] != protocol.TypeInviteNotFound || missing["code"] != "owls-2024" {
		t.Fatalf("reply = %v, want invite_not_found", missing)
	}
}

func TestServer_InviteUseLimit(t *testing.T) {
	_, ts := startRelay(t, nil)

	owner := dialWS(t, ts)
	register(t, owner, "did:key:z6MkOwner")

	sendJSON(t, owner, protocol.ClientFrame{
		Type:          protocol.TypePublishInvite,
		Code:          "one-shot",
		CommunityID:   "community-1",
		CommunityName: "Night Owls",
		MaxUses:       1,
		InvitePayload: "blob",
	})
	readFrame(t, owner) // ack

	sendJSON(t, owner, protocol.ClientFrame{Type: protocol.TypeResolveInvite, Code: "one-shot"})
	if frame := readFrame(t, owner); frame["type"] != protocol.TypeInviteResolved {
		t.Fatalf("first resolve = %v, want invite_resolved", frame)
	}

	sendJSON(t, owner, protocol.ClientFrame{Type: protocol.TypeResolveInvite, Code: "one-shot"})
	if frame := readFrame(t, owner); frame["type"] != protocol.TypeInviteNotFound {
		t.Fatalf("second resolve = %v, want invite_not_found past the use limit", frame)
	}
}

func TestFederation_InviteReplication(t *testing.T) {
	_, srv2, url1, url2 := startMeshPair(t)

	owner := dialWSURL(t, url1)
	register(t, owner, "did:key:z6MkOwner")

	sendJSON(t, owner, protocol.ClientFrame{
		Type:          protocol.TypePublishInvite,
		Code:          "mesh-invite",
		CommunityID:   "community-7",
		CommunityName: "Mesh Gardeners",
		InvitePayload: "replicated-blob",
	})
	readFrame(t, owner) // ack

	// The invite gossips to relay-eu.
	waitFor(t, func() bool { return srv2.invites.Count() == 1 })

	member := dialWSURL(t, url2)
	register(t, member, "did:key:z6MkMember")

	sendJSON(t, member, protocol.ClientFrame{Type: protocol.TypeResolveInvite, Code: "mesh-invite"})
	resolved := readFrame(t, member)
	if resolved["type"] != protocol.TypeInviteResolved {
		t.Fatalf("resolve reply = %v, want invite_resolved", resolved)
	}
	if resolved["community_name"] != "Mesh Gardeners" || resolved["invite_payload"] != "replicated-blob" {
		t.Errorf("resolved invite = %v", resolved)
	}
}

func TestFederation_InviteRevocationPropagates(t *testing.T) {
	_, srv2, url1, _ := startMeshPair(t)

	owner := dialWSURL(t, url1)
	register(t, owner, "did:key:z6MkOwner")

	sendJSON(t, owner, protocol.ClientFrame{
		Type:          protocol.TypePublishInvite,
		Code:          "short-lived",
		CommunityID:   "community-7",
		CommunityName: "Mesh Gardeners",
		InvitePayload: "blob",
	})
	readFrame(t, owner) // ack
	waitFor(t, func() bool { return srv2.invites.Count() == 1 })

	sendJSON(t, owner, protocol.ClientFrame{Type: protocol.TypeRevokeInvite, Code: "short-lived"})
	readFrame(t, owner) // ack

	waitFor(t, func() bool { return srv2.invites.Count() == 0 })
}

// TestFederation_ResolveInviteForwarded drives the peer side of a mesh
// resolution by hand: a relay that misses locally asks its peers, and the
// peer's answer is delivered to the waiting client.
func TestFederation_ResolveInviteForwarded(t *testing.T) {
	srv, ts := startRelay(t, nil)

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/federation"
	peer, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { peer.Close() })

	if hello := readFrame(t, peer); hello["type"] != protocol.PeerTypeHello {
		t.Fatalf("greeting = %v, want hello", hello)
	}
	sendJSON(t, peer, protocol.PeerFrame{
		Type:     protocol.PeerTypeHello,
		RelayID:  "relay-remote",
		RelayURL: "http://relay-remote.invalid/ws",
	})
	waitFor(t, func() bool { return srv.mesh.ConnectedPeerCount() == 1 })

	client := dialWS(t, ts)
	register(t, client, "did:key:z6MkAlice")

	sendJSON(t, client, protocol.ClientFrame{Type: protocol.TypeResolveInvite, Code: "remote-code"})

	// Presence gossip for the fresh registration may arrive first.
	ask := readFrame(t, peer)
	for ask["type"] == protocol.PeerTypePresenceOnline {
		ask = readFrame(t, peer)
	}
	if ask["type"] != protocol.PeerTypeForwardResolveInvite {
		t.Fatalf("peer got %v, want forward_resolve_invite", ask)
	}
	if ask["code"] != "remote-code" || ask["requester_did"] != "did:key:z6MkAlice" {
		t.Errorf("forwarded resolution = %v", ask)
	}

	sendJSON(t, peer, protocol.PeerFrame{
		Type:          protocol.PeerTypeForwardInviteResolved,
		RelayID:       "relay-remote",
		Code:          "remote-code",
		RequesterDID:  "did:key:z6MkAlice",
		CommunityID:   "community-9",
		CommunityName: "Remote Gardeners",
		MemberCount:   7,
		InvitePayload: "remote-blob",
	})

	resolved := readFrame(t, client)
	if resolved["type"] != protocol.TypeInviteResolved {
		t.Fatalf("client got %v, want invite_resolved", resolved)
	}
	if resolved["community_name"] != "Remote Gardeners" || resolved["invite_payload"] != "remote-blob" {
		t.Errorf("resolved invite = %v", resolved)
	}
}
