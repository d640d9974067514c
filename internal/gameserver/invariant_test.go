package gameserver

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// rawReq builds a wire request without a *testing.T, for use inside property
// closures.
func rawReq(rt *rapid.T, reqType string, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			rt.Fatalf("marshaling %s payload: %v", reqType, err)
		}
		raw = b
	}
	b, err := json.Marshal(Request{Type: reqType, Payload: raw})
	if err != nil {
		rt.Fatalf("marshaling %s request: %v", reqType, err)
	}
	return b
}

// Property: after every step of any sequence of queue, challenge, and match
// operations, each user occupies at most one of the three exclusive states:
// waiting in the matchmaking queue, party to a challenge, or in a match.
func TestPropertyExclusiveStateUnderOpSequences(t *testing.T) {
	usernames := []string{"alice", "bob", "carol", "dave"}

	rapid.Check(t, func(rt *rapid.T) {
		f := newHandlerFixtureWithLogger(zap.NewNop())
		ctx := context.Background()

		clients := make(map[string]*Client, len(usernames))
		for _, name := range usernames {
			client := &Client{}
			resp, _ := f.handler.Dispatch(ctx, client,
				rawReq(rt, TypeRegister, LoginPayload{Username: name, Password: "pw"}))
			if !resp.OK {
				rt.Fatalf("registering %s: %s", name, resp.Code)
			}
			clients[name] = client
		}

		// Every challenge ever created; responding to a resolved one is a
		// legal (failing) operation and stays in the pool on purpose.
		type issued struct {
			id     string
			target string
		}
		var challenges []issued

		userGen := rapid.SampledFrom(usernames)
		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for step := 0; step < steps; step++ {
			switch rapid.IntRange(0, 5).Draw(rt, "op") {
			case 0:
				u := userGen.Draw(rt, "queueUser")
				f.handler.Dispatch(ctx, clients[u], rawReq(rt, TypeRequestMatch, nil))
			case 1:
				u := userGen.Draw(rt, "cancelUser")
				f.handler.Dispatch(ctx, clients[u], rawReq(rt, TypeCancelMatch, nil))
			case 2:
				sender := userGen.Draw(rt, "sender")
				target := userGen.Draw(rt, "target")
				resp, _ := f.handler.Dispatch(ctx, clients[sender],
					rawReq(rt, TypeCreateChallenge, CreateChallengePayload{TargetID: "u-" + target}))
				if resp.OK {
					challenges = append(challenges, issued{
						id:     resp.Payload.(ChallengeCreated).ChallengeID,
						target: target,
					})
				}
			case 3, 4:
				if len(challenges) == 0 {
					continue
				}
				ch := challenges[rapid.IntRange(0, len(challenges)-1).Draw(rt, "challenge")]
				accept := rapid.Bool().Draw(rt, "accept")
				f.handler.Dispatch(ctx, clients[ch.target],
					rawReq(rt, TypeRespondChallenge, RespondChallengePayload{ChallengeID: ch.id, Accept: accept}))
			case 5:
				f.queue.Tick()
			}

			for _, name := range usernames {
				userID := "u-" + name
				states := 0
				if f.queue.InQueue(userID) {
					states++
				}
				if f.sessions.InChallenge(userID) {
					states++
				}
				if f.sessions.InMatch(userID) {
					states++
				}
				if states > 1 {
					rt.Fatalf("user %s holds %d exclusive states after step %d", userID, states, step)
				}
				// The orchestrator's membership view and the session field
				// must agree.
				if f.challenges.IsUserInChallenge(userID) != f.sessions.InChallenge(userID) {
					rt.Fatalf("challenge membership out of sync for %s after step %d", userID, step)
				}
			}
		}
	})
}
