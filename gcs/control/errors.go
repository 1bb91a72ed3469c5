package control

import "errors"

var (
	ErrNotInitialized = errors.New("group communication is not initialized")
	ErrAlreadyJoining = errors.New("a join or leave is already in progress")
	ErrAlreadyMember  = errors.New("this node is already a member of the group")
	ErrNoPeers        = errors.New("no peers to join through")
	ErrNotMember      = errors.New("this node is not a member of the group")
	ErrJoinFailed     = errors.New("could not reach any peer to join through")
	ErrExpelled       = errors.New("this node was expelled from the group")
)
