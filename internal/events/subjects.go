package events

// Subject layout, with prefix defaulting to "wittsy":
//
//	<prefix>.room.<roomID>.phase        round state after every transition
//	<prefix>.room.<roomID>.submissions  submission phase closed
//	<prefix>.room.<roomID>.finished     match history of a finished match
//	<prefix>.progression.reward         reward grants for the progression service
const (
	suffixPhase       = "phase"
	suffixSubmissions = "submissions"
	suffixFinished    = "finished"
	subjectReward     = "progression.reward"
)

func roomSubject(prefix, roomID, suffix string) string {
	return prefix + ".room." + roomID + "." + suffix
}
