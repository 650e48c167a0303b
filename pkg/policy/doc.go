/*
Package policy provides the decision policies a tuner can drive.

EpsilonGreedy and UCB are multi-armed bandits over the action space. Each
keeps an incremental average reward per action; a training step folds a
minibatch of transitions into the averages and reports the mean squared
error of the estimates it replaced. Random is the untuned baseline.

Checkpoints are deterministic CBOR files carrying a version, the policy
name and the estimates. Restoring a checkpoint written by another policy or
for another action count fails with ErrCheckpoint.
*/
package policy
