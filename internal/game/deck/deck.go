// Package deck provides the 36-card deck used by the Triad duel: four suits
// crossed with ranks 1 through 9, where a card's value equals its rank.
package deck

// Suit identifies one of the four card suits.
type Suit string

// The four suits. Suit never affects round resolution; it exists for display.
const (
	SuitCoins  Suit = "coins"
	SuitCups   Suit = "cups"
	SuitSwords Suit = "swords"
	SuitWands  Suit = "wands"
)

// Suits lists all suits in deck-construction order.
var Suits = []Suit{SuitCoins, SuitCups, SuitSwords, SuitWands}

// Size is the number of cards in a full deck.
const Size = 36

// MaxRank is the highest rank in each suit.
const MaxRank = 9

// Card is a single playing card with a stable identity.
//
// Invariant: ID is in [1, Size] and unique within a deck; Value == Rank and
// both are in [1, MaxRank].
type Card struct {
	ID    int  `json:"id"`
	Suit  Suit `json:"suit"`
	Rank  int  `json:"rank"`
	Value int  `json:"value"`
}

// New builds a fresh ordered deck of Size cards with stable IDs: card ID
// (s*MaxRank + r) carries suit Suits[s] and rank r+1.
//
// Postcondition: Returns Size cards with IDs 1..Size in order.
func New() []Card {
	cards := make([]Card, 0, Size)
	for si, suit := range Suits {
		for rank := 1; rank <= MaxRank; rank++ {
			cards = append(cards, Card{
				ID:    si*MaxRank + rank,
				Suit:  suit,
				Rank:  rank,
				Value: rank,
			})
		}
	}
	return cards
}

// Shuffle permutes cards in place with a uniform Fisher-Yates shuffle.
//
// Precondition: src must be non-nil.
func Shuffle(cards []Card, src Source) {
	for i := len(cards) - 1; i > 0; i-- {
		j := src.Intn(i + 1)
		cards[i], cards[j] = cards[j], cards[i]
	}
}

// NewShuffled builds and shuffles a fresh deck in one call.
//
// Precondition: src must be non-nil.
// Postcondition: Returns Size cards in uniformly random order.
func NewShuffled(src Source) []Card {
	cards := New()
	Shuffle(cards, src)
	return cards
}
