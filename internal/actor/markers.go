package actor

// InputBase is embedded in input structs so they satisfy Input.
type InputBase struct{}

func (InputBase) isActorInput() {}

// EffectBase is embedded in effect structs so they satisfy Effect.
type EffectBase struct{}

func (EffectBase) isActorEffect() {}
