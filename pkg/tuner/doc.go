/*
Package tuner runs the decision loop: a policy playing a game.

	g := game.NewCluster(cache, game.NewControls(cfg.CPVs), pub.PublishAction)
	p, _ := policy.New(cfg.Tuner, g.NumActions())
	t := tuner.New(g, p, tuner.ConfigFrom(cfg.Tuner))
	err := t.Run(ctx)

Run restores the policy checkpoint if one exists and connects the game.
Each pass of the loop first runs a training step when train_interval has
passed (unless training is disabled), then acts when the next action time
has arrived. Acting means observe, collect the reward of the previous
action, store the transition, ask the policy and perform the action.
Observations that are not ready yet skip the step.

With enable_tuning off the loop still observes and logs rewards but always
performs action 0, which leaves every CPV unchanged.

The policy is checkpointed every checkpoint_every training steps and once
more when Run returns.
*/
package tuner
