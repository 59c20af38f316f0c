package actor

// Run feeds inputs through a reducer in order and collects every effect. It
// executes nothing; tests use it to replay event sequences deterministically.
func Run[S any](state S, reducer ReducerFunc[S], inputs ...Input) (S, []Effect) {
	var all []Effect
	for _, in := range inputs {
		var effects []Effect
		state, effects = reducer(state, in)
		all = append(all, effects...)
	}
	return state, all
}
